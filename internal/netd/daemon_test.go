package netd

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
)

func dummyLink(name string, index int) *netlink.Dummy {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{
		Name:  name,
		Index: index,
		MTU:   1500,
		Statistics: &netlink.LinkStatistics{
			RxBytes: 1000, TxBytes: 500, RxPackets: 10, TxPackets: 5,
		},
	}}
}

func newTestDaemon(t *testing.T, opts ...DaemonOption) (*Daemon, *MockNetlinker) {
	t.Helper()
	nl := new(MockNetlinker)
	opts = append([]DaemonOption{WithLogger(logging.Discard())}, opts...)
	return NewDaemon(nl, DefaultDaemonConfig(), opts...), nl
}

func ruleWith(table, priority int) any {
	return mock.MatchedBy(func(r *netlink.Rule) bool {
		return r.Table == table && r.Priority == priority
	})
}

func TestDaemon_NetworkCreateDestroy(t *testing.T) {
	d, nl := newTestDaemon(t)

	nl.On("RuleAdd", mock.MatchedBy(func(r *netlink.Rule) bool {
		return r.Mark == 101 && r.Table == 1101 && r.Priority == 13100
	})).Return(nil).Twice()

	require.NoError(t, d.NetworkCreatePhysical(101, PermissionNone))
	assert.True(t, d.HasNetwork(101))

	err := d.NetworkCreatePhysical(101, PermissionNone)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	err = d.NetworkCreatePhysical(0, PermissionNone)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	nl.On("RuleDel", ruleWith(1101, 13100)).Return(nil).Twice()
	require.NoError(t, d.NetworkDestroy(101))
	assert.False(t, d.HasNetwork(101))

	err = d.NetworkDestroy(101)
	assert.True(t, errors.Is(err, errors.ErrNetworkNotFound))
	assert.Equal(t, errors.StatusNetworkNotFound, errors.Code(err))

	nl.AssertExpectations(t)
}

func TestDaemon_Interfaces(t *testing.T) {
	d, nl := newTestDaemon(t)
	wlan := dummyLink("wlan0", 3)

	nl.On("RuleAdd", mock.Anything).Return(nil)
	nl.On("LinkByName", "wlan0").Return(wlan, nil)
	nl.On("LinkByName", "nope0").Return(nil, errors.New(errors.KindNotFound, "Link not found"))

	require.NoError(t, d.NetworkCreatePhysical(101, PermissionNone))
	require.NoError(t, d.NetworkCreatePhysical(102, PermissionNone))

	assert.True(t, errors.Is(d.NetworkAddInterface(999, "wlan0"), errors.ErrNetworkNotFound))

	require.NoError(t, d.NetworkAddInterface(101, "wlan0"))
	nl.AssertCalled(t, "RuleAdd", mock.MatchedBy(func(r *netlink.Rule) bool {
		return r.OifName == "wlan0" && r.Table == 1101 && r.Priority == 13200
	}))

	// Adding twice is a no-op; another network cannot take it.
	require.NoError(t, d.NetworkAddInterface(101, "wlan0"))
	assert.Equal(t, errors.KindConflict, errors.GetKind(d.NetworkAddInterface(102, "wlan0")))

	assert.Equal(t, errors.KindNotFound, errors.GetKind(d.NetworkAddInterface(102, "nope0")))

	nl.On("RuleDel", ruleWith(1101, 13200)).Return(nil).Twice()
	require.NoError(t, d.NetworkRemoveInterface(101, "wlan0"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(d.NetworkRemoveInterface(101, "wlan0")))
}

func TestDaemon_Routes(t *testing.T) {
	d, nl := newTestDaemon(t)
	wlan := dummyLink("wlan0", 3)

	nl.On("RuleAdd", mock.Anything).Return(nil)
	nl.On("LinkByName", "wlan0").Return(wlan, nil)
	require.NoError(t, d.NetworkCreatePhysical(101, PermissionNone))

	def := Route{
		Iface:       "wlan0",
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     netip.MustParseAddr("192.168.1.1"),
	}
	nl.On("RouteReplace", mock.MatchedBy(func(r *netlink.Route) bool {
		return r.Table == 1101 && r.LinkIndex == 3 && r.Gw.Equal(net.ParseIP("192.168.1.1")) && r.Dst.String() == "0.0.0.0/0"
	})).Return(nil).Once()
	require.NoError(t, d.NetworkAddRoute(101, def))

	nl.On("RouteReplace", mock.Anything).Return(errors.New(errors.KindInternal, "boom")).Once()
	subnet := Route{Iface: "wlan0", Destination: netip.MustParsePrefix("192.168.1.0/24")}
	err := d.NetworkAddRoute(101, subnet)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))

	assert.Equal(t, errors.KindValidation, errors.GetKind(d.NetworkAddRoute(101, Route{Iface: "wlan0"})))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(d.NetworkRemoveRoute(101, subnet)))

	nl.On("RouteDel", mock.MatchedBy(func(r *netlink.Route) bool { return r.Table == 1101 })).Return(nil)
	require.NoError(t, d.NetworkRemoveRoute(101, def))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(d.NetworkRemoveRoute(101, def)))
}

func TestDaemon_DefaultNetwork(t *testing.T) {
	d, nl := newTestDaemon(t)

	nl.On("RuleAdd", mock.Anything).Return(nil)
	nl.On("RuleDel", mock.Anything).Return(nil)
	require.NoError(t, d.NetworkCreatePhysical(101, PermissionNone))
	require.NoError(t, d.NetworkCreatePhysical(102, PermissionNone))

	id, err := d.GetDefaultNetwork()
	require.NoError(t, err)
	assert.Zero(t, id)

	assert.True(t, errors.Is(d.SetDefaultNetwork(555), errors.ErrNetworkNotFound))

	require.NoError(t, d.SetDefaultNetwork(101))
	nl.AssertCalled(t, "RuleAdd", ruleWith(1101, 13900))

	require.NoError(t, d.SetDefaultNetwork(102))
	nl.AssertCalled(t, "RuleAdd", ruleWith(1102, 13900))
	nl.AssertCalled(t, "RuleDel", ruleWith(1101, 13900))

	id, _ = d.GetDefaultNetwork()
	assert.Equal(t, int32(102), id)

	// Destroying the default network clears it.
	require.NoError(t, d.NetworkDestroy(102))
	id, _ = d.GetDefaultNetwork()
	assert.Zero(t, id)

	require.NoError(t, d.ClearDefaultNetwork())
	require.NoError(t, d.ClearDefaultNetwork())
}

func TestDaemon_InterfaceQueries(t *testing.T) {
	d, nl := newTestDaemon(t)
	wlan := dummyLink("wlan0", 3)
	lo := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "lo", Index: 1, Flags: net.FlagLoopback}}
	eth := dummyLink("eth0", 2)

	nl.On("LinkList").Return([]netlink.Link{wlan, lo, eth}, nil)
	nl.On("LinkByName", "wlan0").Return(wlan, nil)

	names, err := d.GetInterfaceNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "wlan0"}, names)

	mtu, err := d.GetInterfaceMTU("wlan0")
	require.NoError(t, err)
	assert.Equal(t, 1500, mtu)

	assert.Equal(t, errors.KindValidation, errors.GetKind(d.SetInterfaceMTU("wlan0", 10)))
	nl.On("LinkSetMTU", wlan, 1400).Return(nil)
	require.NoError(t, d.SetInterfaceMTU("wlan0", 1400))

	st, err := d.GetIfaceStats("wlan0")
	require.NoError(t, err)
	assert.Equal(t, TrafficStats{RxBytes: 1000, TxBytes: 500, RxPackets: 10, TxPackets: 5}, st)

	_, err = d.GetUIDStats(1000, "wlan0")
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

type fakeDHCPClient struct {
	lease   DHCPLease
	started []string
	stopped []string
}

func (f *fakeDHCPClient) Start(iface string, onLease func(DHCPLease)) error {
	f.started = append(f.started, iface)
	l := f.lease
	l.Iface = iface
	onLease(l)
	return nil
}

func (f *fakeDHCPClient) Stop(iface string) error {
	f.stopped = append(f.stopped, iface)
	return nil
}

type fakeAccounting struct {
	stats  map[string]TrafficStats
	closed bool
}

func (f *fakeAccounting) Counters(uid uint32, iface string) (TrafficStats, error) {
	return f.stats[accountingTag(uid, iface, "")], nil
}

func (f *fakeAccounting) Close() error {
	f.closed = true
	return nil
}

func TestDaemon_DHCPClient(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe(4, events.EventDHCPLease)

	client := &fakeDHCPClient{lease: DHCPLease{
		Address: netip.MustParsePrefix("192.168.1.20/24"),
		Router:  netip.MustParseAddr("192.168.1.1"),
		DNS:     []netip.Addr{netip.MustParseAddr("192.168.1.1")},
	}}
	acct := &fakeAccounting{stats: map[string]TrafficStats{
		accountingTag(1000, "wlan0", ""): {RxBytes: 42, TxBytes: 7},
	}}
	d, nl := newTestDaemon(t, WithDHCP(client, nil), WithHub(hub), WithAccounting(acct))
	nl.On("LinkByName", "wlan0").Return(dummyLink("wlan0", 3), nil)

	_, err := d.GetDHCPLease("wlan0")
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	require.NoError(t, d.StartDHCPClient("wlan0"))
	lease, err := d.GetDHCPLease("wlan0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20/24", lease.Address.String())

	e := <-ch
	data := e.Data.(events.DHCPLeaseData)
	assert.Equal(t, "wlan0", data.Iface)
	assert.Equal(t, "192.168.1.1", data.Router)

	st, err := d.GetUIDStats(1000, "wlan0")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.RxBytes)

	assert.Equal(t, errors.KindUnavailable, errors.GetKind(d.StartDHCPService("wlan0", DHCPServiceConfig{})))

	require.NoError(t, d.Close())
	assert.Equal(t, []string{"wlan0"}, client.stopped)
	assert.True(t, acct.closed)
}
