//go:build linux

package netd

import (
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"grimm.is/netconn/internal/errors"
)

// RealNetlinker calls into the kernel. The zero value works in the caller's
// network namespace.
type RealNetlinker struct {
	h *netlink.Handle
}

// DefaultNetlinker is used when the daemon is built without an override.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// NewNetlinkerAt returns a netlinker whose calls all run in ns, whatever
// thread makes them.
func NewNetlinkerAt(ns netns.NsHandle) (*RealNetlinker, error) {
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "netlink handle")
	}
	return &RealNetlinker{h: h}, nil
}

// Close releases the namespace handle, if any.
func (r *RealNetlinker) Close() {
	if r.h != nil {
		r.h.Close()
	}
}

func (r *RealNetlinker) handle() *netlink.Handle {
	if r.h == nil {
		return &netlink.Handle{}
	}
	return r.h
}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return r.handle().LinkByName(name)
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) { return r.handle().LinkList() }

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return r.handle().LinkSetMTU(link, mtu)
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return r.handle().AddrAdd(link, addr)
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return r.handle().AddrDel(link, addr)
}

func (r *RealNetlinker) RouteReplace(route *netlink.Route) error { return r.handle().RouteReplace(route) }
func (r *RealNetlinker) RouteDel(route *netlink.Route) error     { return r.handle().RouteDel(route) }
func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error        { return r.handle().RuleAdd(rule) }
func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error        { return r.handle().RuleDel(rule) }

// LinkSetUp brings link up. Only namespace setup needs it.
func (r *RealNetlinker) LinkSetUp(link netlink.Link) error { return r.handle().LinkSetUp(link) }
