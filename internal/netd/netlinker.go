package netd

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlinker abstracts the netlink calls the daemon makes.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkSetMTU(link netlink.Link, mtu int) error

	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error

	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error

	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	addr := p.Addr()
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(p.Bits(), bits)}
}

func addrToIPNet(p netip.Prefix) *net.IPNet {
	n := prefixToIPNet(p)
	n.IP = net.IP(p.Addr().AsSlice())
	return n
}

func family(a netip.Addr) int {
	if a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
