package netd

import (
	"net/netip"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a testify mock of Netlinker.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}
func (m *MockNetlinker) LinkList() ([]netlink.Link, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Link), args.Error(1)
}
func (m *MockNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return m.Called(link, mtu).Error(0)
}
func (m *MockNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return m.Called(link, addr).Error(0)
}
func (m *MockNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return m.Called(link, addr).Error(0)
}
func (m *MockNetlinker) RouteReplace(route *netlink.Route) error {
	return m.Called(route).Error(0)
}
func (m *MockNetlinker) RouteDel(route *netlink.Route) error {
	return m.Called(route).Error(0)
}
func (m *MockNetlinker) RuleAdd(rule *netlink.Rule) error {
	return m.Called(rule).Error(0)
}
func (m *MockNetlinker) RuleDel(rule *netlink.Rule) error {
	return m.Called(rule).Error(0)
}

// MockController is a testify mock of Controller.
type MockController struct {
	mock.Mock
}

var _ Controller = (*MockController)(nil)

func (m *MockController) NetworkCreatePhysical(netID int32, perm Permission) error {
	return m.Called(netID, perm).Error(0)
}
func (m *MockController) NetworkDestroy(netID int32) error {
	return m.Called(netID).Error(0)
}
func (m *MockController) NetworkAddInterface(netID int32, iface string) error {
	return m.Called(netID, iface).Error(0)
}
func (m *MockController) NetworkRemoveInterface(netID int32, iface string) error {
	return m.Called(netID, iface).Error(0)
}
func (m *MockController) NetworkAddRoute(netID int32, route Route) error {
	return m.Called(netID, route).Error(0)
}
func (m *MockController) NetworkRemoveRoute(netID int32, route Route) error {
	return m.Called(netID, route).Error(0)
}
func (m *MockController) SetResolverConfig(netID int32, cfg ResolverConfig) error {
	return m.Called(netID, cfg).Error(0)
}
func (m *MockController) GetResolverConfig(netID int32) (ResolverConfig, error) {
	args := m.Called(netID)
	return args.Get(0).(ResolverConfig), args.Error(1)
}
func (m *MockController) CreateNetworkCache(netID int32) error {
	return m.Called(netID).Error(0)
}
func (m *MockController) FlushNetworkCache(netID int32) error {
	return m.Called(netID).Error(0)
}
func (m *MockController) DestroyNetworkCache(netID int32) error {
	return m.Called(netID).Error(0)
}
func (m *MockController) GetAddrInfo(netID int32, host string) ([]netip.Addr, error) {
	args := m.Called(netID, host)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netip.Addr), args.Error(1)
}
func (m *MockController) SetInterfaceMTU(iface string, mtu int) error {
	return m.Called(iface, mtu).Error(0)
}
func (m *MockController) GetInterfaceMTU(iface string) (int, error) {
	args := m.Called(iface)
	return args.Int(0), args.Error(1)
}
func (m *MockController) InterfaceAddAddress(iface string, addr netip.Prefix) error {
	return m.Called(iface, addr).Error(0)
}
func (m *MockController) InterfaceDelAddress(iface string, addr netip.Prefix) error {
	return m.Called(iface, addr).Error(0)
}
func (m *MockController) StartDHCPClient(iface string) error {
	return m.Called(iface).Error(0)
}
func (m *MockController) StopDHCPClient(iface string) error {
	return m.Called(iface).Error(0)
}
func (m *MockController) GetDHCPLease(iface string) (DHCPLease, error) {
	args := m.Called(iface)
	return args.Get(0).(DHCPLease), args.Error(1)
}
func (m *MockController) StartDHCPService(iface string, cfg DHCPServiceConfig) error {
	return m.Called(iface, cfg).Error(0)
}
func (m *MockController) StopDHCPService(iface string) error {
	return m.Called(iface).Error(0)
}
func (m *MockController) SetDefaultNetwork(netID int32) error {
	return m.Called(netID).Error(0)
}
func (m *MockController) ClearDefaultNetwork() error {
	return m.Called().Error(0)
}
func (m *MockController) GetDefaultNetwork() (int32, error) {
	args := m.Called()
	return args.Get(0).(int32), args.Error(1)
}
func (m *MockController) BindSocket(fd int, netID int32) error {
	return m.Called(fd, netID).Error(0)
}
func (m *MockController) GetInterfaceNames() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockController) GetIfaceStats(iface string) (TrafficStats, error) {
	args := m.Called(iface)
	return args.Get(0).(TrafficStats), args.Error(1)
}
func (m *MockController) GetUIDStats(uid uint32, iface string) (TrafficStats, error) {
	args := m.Called(uid, iface)
	return args.Get(0).(TrafficStats), args.Error(1)
}
func (m *MockController) Ping() error {
	return m.Called().Error(0)
}
