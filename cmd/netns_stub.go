//go:build !linux

package cmd

import (
	"fmt"

	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/netd"
)

type daemonNamespace struct {
	Netlinker netd.Netlinker
	NsFd      int
}

func (n *daemonNamespace) Close() {}

func openNamespace(name string, _ *logging.Logger) (*daemonNamespace, error) {
	if name != "" {
		return nil, fmt.Errorf("network namespaces are only supported on linux")
	}
	return &daemonNamespace{Netlinker: netd.DefaultNetlinker}, nil
}
