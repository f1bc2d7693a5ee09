//go:build !linux

package netd

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// RealNetlinker is a stub; policy routing needs Linux.
type RealNetlinker struct{}

// DefaultNetlinker is used when the daemon is built without an override.
var DefaultNetlinker Netlinker = &RealNetlinker{}

var errUnsupported = fmt.Errorf("netlink not supported on this platform")

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error)     { return nil, errUnsupported }
func (r *RealNetlinker) LinkList() ([]netlink.Link, error)                { return nil, nil }
func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error      { return errUnsupported }
func (r *RealNetlinker) AddrAdd(link netlink.Link, a *netlink.Addr) error { return errUnsupported }
func (r *RealNetlinker) AddrDel(link netlink.Link, a *netlink.Addr) error { return errUnsupported }
func (r *RealNetlinker) RouteReplace(route *netlink.Route) error          { return errUnsupported }
func (r *RealNetlinker) RouteDel(route *netlink.Route) error              { return errUnsupported }
func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error                 { return errUnsupported }
func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error                 { return errUnsupported }
