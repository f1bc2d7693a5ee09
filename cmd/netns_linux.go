//go:build linux

package cmd

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"

	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/netd"
)

// daemonNamespace is where netd manages routing: either the process's own
// namespace or a named one.
type daemonNamespace struct {
	Netlinker netd.Netlinker
	// NsFd is the namespace fd for nftables, 0 for the current namespace.
	NsFd  int
	close func()
}

func (n *daemonNamespace) Close() {
	if n.close != nil {
		n.close()
	}
}

// openNamespace returns netlink access to the named network namespace,
// creating it when missing. An empty name selects the current namespace.
func openNamespace(name string, logger *logging.Logger) (*daemonNamespace, error) {
	if name == "" {
		return &daemonNamespace{Netlinker: netd.DefaultNetlinker}, nil
	}

	ns, err := netns.GetFromName(name)
	if err != nil {
		ns, err = createNamespace(name)
		if err != nil {
			return nil, err
		}
		logger.Info("created network namespace", "netns", name)
	}

	nl, err := netd.NewNetlinkerAt(ns)
	if err != nil {
		ns.Close()
		return nil, err
	}

	// A fresh namespace has lo down.
	if lo, err := nl.LinkByName("lo"); err == nil {
		if err := nl.LinkSetUp(lo); err != nil {
			logger.Warn("bring up loopback failed", "netns", name, "error", err)
		}
	}

	return &daemonNamespace{
		Netlinker: nl,
		NsFd:      int(ns),
		close: func() {
			nl.Close()
			ns.Close()
		},
	}, nil
}

// createNamespace makes a named namespace without leaving the calling
// thread inside it.
func createNamespace(name string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return netns.None(), fmt.Errorf("failed to get original netns: %w", err)
	}
	defer orig.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		return netns.None(), fmt.Errorf("failed to create netns %s: %w", name, err)
	}
	if err := netns.Set(orig); err != nil {
		ns.Close()
		return netns.None(), fmt.Errorf("failed to switch back to original ns: %w", err)
	}
	return ns, nil
}
