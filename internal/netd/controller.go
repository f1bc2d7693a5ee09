package netd

import "net/netip"

// Controller is the command set of the network daemon. Every call is a
// blocking round trip; failures are returned as-is and never retried here.
type Controller interface {
	NetworkCreatePhysical(netID int32, perm Permission) error
	NetworkDestroy(netID int32) error
	NetworkAddInterface(netID int32, iface string) error
	NetworkRemoveInterface(netID int32, iface string) error
	NetworkAddRoute(netID int32, route Route) error
	NetworkRemoveRoute(netID int32, route Route) error

	SetResolverConfig(netID int32, cfg ResolverConfig) error
	GetResolverConfig(netID int32) (ResolverConfig, error)
	CreateNetworkCache(netID int32) error
	FlushNetworkCache(netID int32) error
	DestroyNetworkCache(netID int32) error
	GetAddrInfo(netID int32, host string) ([]netip.Addr, error)

	SetInterfaceMTU(iface string, mtu int) error
	GetInterfaceMTU(iface string) (int, error)
	InterfaceAddAddress(iface string, addr netip.Prefix) error
	InterfaceDelAddress(iface string, addr netip.Prefix) error

	StartDHCPClient(iface string) error
	StopDHCPClient(iface string) error
	GetDHCPLease(iface string) (DHCPLease, error)
	StartDHCPService(iface string, cfg DHCPServiceConfig) error
	StopDHCPService(iface string) error

	SetDefaultNetwork(netID int32) error
	ClearDefaultNetwork() error
	GetDefaultNetwork() (int32, error)
	BindSocket(fd int, netID int32) error

	GetInterfaceNames() ([]string, error)
	GetIfaceStats(iface string) (TrafficStats, error)
	GetUIDStats(uid uint32, iface string) (TrafficStats, error)

	Ping() error
}
