// Package netd is the privileged network daemon and its client.
//
// The daemon owns the kernel side of every network the connection manager
// creates: a routing table per netId, the policy rules that select it, the
// per-network resolver, DHCP, and per-uid traffic accounting. The connection
// manager talks to it through the Controller interface, either in-process
// (Daemon) or over a unix socket (Client).
package netd

import (
	"net/netip"
	"time"
)

// Permission restricts which applications may use a physical network.
type Permission uint8

const (
	PermissionNone Permission = iota
	PermissionNetwork
	PermissionSystem
)

// Route is a single route of a network. Identity is Iface+Destination+Gateway;
// Metric is carried but not part of the identity.
type Route struct {
	Iface       string       `json:"iface"`
	Destination netip.Prefix `json:"destination"`
	Gateway     netip.Addr   `json:"gateway,omitempty"`
	Metric      int          `json:"metric,omitempty"`
}

// Key returns the identity used for route diffing.
func (r Route) Key() string {
	return r.Iface + "|" + r.Destination.String() + "|" + r.Gateway.String()
}

// IsDefault reports whether the route is a default route.
func (r Route) IsDefault() bool {
	return r.Destination.IsValid() && r.Destination.Bits() == 0
}

// ResolverConfig is the DNS configuration of one network.
type ResolverConfig struct {
	// Servers are "ip" or "ip:port"; port 53 is implied.
	Servers     []string      `json:"servers"`
	Domains     []string      `json:"domains,omitempty"`
	BaseTimeout time.Duration `json:"base_timeout,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`
}

// DHCPLease is the result of a DHCP exchange on an interface.
type DHCPLease struct {
	Iface      string         `json:"iface"`
	Address    netip.Prefix   `json:"address"`
	Router     netip.Addr     `json:"router,omitempty"`
	DNS        []netip.Addr   `json:"dns,omitempty"`
	ServerID   netip.Addr     `json:"server_id,omitempty"`
	LeaseTime  time.Duration  `json:"lease_time"`
	ObtainedAt time.Time      `json:"obtained_at"`
	Routes     []netip.Prefix `json:"routes,omitempty"`
}

// DHCPServiceConfig configures the tethering DHCP server on an interface.
type DHCPServiceConfig struct {
	ServerAddr netip.Prefix  `json:"server_addr"`
	RangeStart netip.Addr    `json:"range_start"`
	RangeEnd   netip.Addr    `json:"range_end"`
	DNS        []netip.Addr  `json:"dns,omitempty"`
	LeaseTime  time.Duration `json:"lease_time,omitempty"`
}

// TrafficStats is a point-in-time byte counter sample.
type TrafficStats struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets,omitempty"`
	TxPackets uint64 `json:"tx_packets,omitempty"`
}
