package connmgr

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/detection"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/monitor"
	"grimm.is/netconn/internal/netd"
)

type fakeValidator struct {
	mu        sync.Mutex
	started   map[int32]func(detection.Report)
	order     []int32
	triggered []int32
	stopped   []int32
}

func (f *fakeValidator) Start(netID int32, _ string, cb func(detection.Report)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(map[int32]func(detection.Report))
	}
	f.started[netID] = cb
	f.order = append(f.order, netID)
}

func (f *fakeValidator) Trigger(netID int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, netID)
	return true
}

func (f *fakeValidator) Stop(netID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, netID)
}

func (f *fakeValidator) startedIDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.order...)
}

func (f *fakeValidator) report(netID int32, r detection.Result, url string) {
	f.mu.Lock()
	cb := f.started[netID]
	f.mu.Unlock()
	cb(detection.Report{NetID: netID, Result: r, RedirectURL: url})
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, fmt.Sprintf(format, args...))
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.got
	r.got = nil
	return got
}

func (r *recorder) callback() *NetConnCallback {
	return &NetConnCallback{
		NetAvailable:                  func(id int32) { r.add("available %d", id) },
		NetCapabilitiesChange:         func(id int32, _ Capabilities) { r.add("caps %d", id) },
		NetConnectionPropertiesChange: func(id int32, _ LinkInfo) { r.add("link %d", id) },
		NetLost:                       func(id int32) { r.add("lost %d", id) },
		NetUnavailable:                func() { r.add("unavailable") },
	}
}

type harness struct {
	svc *Service
	ctl *netd.MockController
	v   *fakeValidator
	clk *clock.MockClock
	hub *events.Hub
	reg *metrics.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ctl: permissive(new(netd.MockController)),
		v:   &fakeValidator{},
		clk: clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		hub: events.NewHub(),
		reg: metrics.NewRegistry(),
	}
	opts = append([]Option{
		WithValidator(h.v), WithClock(h.clk), WithHub(h.hub), WithMetrics(h.reg),
		WithLogger(logging.Discard()),
	}, opts...)
	h.svc = NewService(h.ctl, opts...)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) netID(t *testing.T, supplierID uint32) int32 {
	t.Helper()
	for _, d := range h.svc.Nets() {
		if d.SupplierID == supplierID {
			return d.NetID
		}
	}
	t.Fatalf("supplier %d has no network", supplierID)
	return 0
}

// connect registers a supplier and drives it to connected.
func (h *harness) connect(t *testing.T, typ NetType, iface string, valid bool) (uint32, int32) {
	t.Helper()
	id, err := h.svc.RegisterNetSupplier(typ, iface, CapInternet|CapNotVPN)
	require.NoError(t, err)
	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: true}))
	require.NoError(t, h.svc.UpdateNetLinkInfo(id, LinkInfo{
		Iface:     iface,
		Addresses: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/24")},
		Routes:    []netd.Route{{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("10.0.0.1")}},
		DNS:       []netip.Addr{netip.MustParseAddr("10.0.0.1")},
	}))
	netID := h.netID(t, id)
	if valid {
		h.v.report(netID, detection.ResultValid, "")
	}
	return id, netID
}

func TestService_RegisterIdempotent(t *testing.T) {
	h := newHarness(t)

	a, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim0", CapInternet)
	require.NoError(t, err)
	b, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim0", CapInternet)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, h.svc.Nets(), 1)

	c, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim0", CapInternet|CapMMS)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	nets := h.svc.Nets()
	require.Len(t, nets, 2)
	assert.Equal(t, MinNetID, nets[0].NetID)
	assert.Equal(t, MinNetID+1, nets[1].NetID)
	assert.Equal(t, StateIdle, nets[0].State)

	_, err = h.svc.RegisterNetSupplier(NetType(99), "x", 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidNetworkType))
	assert.Equal(t, errors.StatusInvalidNetworkType, errors.Code(err))

	_, err = h.svc.RegisterNetSupplier(NetTypeUnknown, "x", 0)
	assert.True(t, errors.Is(err, errors.ErrNoScoreForType))
}

func TestService_NetIDWraps(t *testing.T) {
	h := newHarness(t, WithNetIDRange(100, 101))

	a, err := h.svc.RegisterNetSupplier(NetTypeEthernet, "eth0", CapInternet)
	require.NoError(t, err)
	_, err = h.svc.RegisterNetSupplier(NetTypeEthernet, "eth1", CapInternet)
	require.NoError(t, err)

	_, err = h.svc.RegisterNetSupplier(NetTypeEthernet, "eth2", CapInternet)
	assert.True(t, errors.Is(err, errors.ErrNoNetworkIDAvailable))

	require.NoError(t, h.svc.UnregisterNetSupplier(a))
	c, err := h.svc.RegisterNetSupplier(NetTypeEthernet, "eth2", CapInternet)
	require.NoError(t, err)
	assert.Equal(t, int32(100), h.netID(t, c))

	assert.True(t, errors.Is(h.svc.UnregisterNetSupplier(a), errors.ErrSupplierNotFound))
}

func TestService_EndToEnd(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(8, events.EventDefaultNet)

	id, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim0", CapInternet|CapMMS)
	require.NoError(t, err)

	var requested []string
	require.NoError(t, h.svc.RegisterNetSupplierCallback(id, SupplierController{
		RequestNetwork: func(ident string, _ Capabilities) error {
			requested = append(requested, ident)
			return nil
		},
	}))
	// The default request already asked the idle supplier to connect.
	assert.Equal(t, []string{"sim0"}, requested)

	rec := &recorder{}
	reqID, err := h.svc.ActivateNetwork(Specifier{Caps: CapInternet}, rec.callback(), 0)
	require.NoError(t, err)
	assert.Empty(t, rec.take())
	assert.Len(t, requested, 1)

	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: true}))
	require.NoError(t, h.svc.UpdateNetLinkInfo(id, LinkInfo{Iface: "rmnet0"}))
	netID := h.netID(t, id)

	assert.Equal(t, []string{
		fmt.Sprintf("available %d", netID),
		fmt.Sprintf("caps %d", netID),
		fmt.Sprintf("link %d", netID),
	}, rec.take())

	def, err := h.svc.GetDefaultNet()
	require.NoError(t, err)
	assert.Equal(t, netID, def)
	assert.True(t, h.svc.HasDefaultNet())
	h.ctl.AssertCalled(t, "SetDefaultNetwork", netID)

	e := <-sub
	assert.Equal(t, events.DefaultNetData{OldNetID: 0, NetID: netID}, e.Data)

	// Link updates to a bound request fire only the link callback.
	require.NoError(t, h.svc.UpdateNetLinkInfo(id, LinkInfo{Iface: "rmnet0", MTU: 1400}))
	assert.Equal(t, []string{fmt.Sprintf("link %d", netID)}, rec.take())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.reg.ActiveRequests))
	assert.Equal(t, float64(netID), testutil.ToFloat64(h.reg.DefaultNetID))
	require.NoError(t, h.svc.DeactivateNetwork(reqID))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.reg.ActiveRequests))
}

func TestService_BestSweepConvergence(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}

	_, cellNet := h.connect(t, NetTypeCellular, "rmnet0", true)
	_, err := h.svc.ActivateNetwork(Specifier{}, rec.callback(), 0)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("available %d", cellNet), rec.take()[0])

	_, ethNet := h.connect(t, NetTypeEthernet, "eth0", true)
	got := rec.take()
	require.NotEmpty(t, got)
	assert.Equal(t, fmt.Sprintf("available %d", ethNet), got[0])

	def, _ := h.svc.GetDefaultNet()
	assert.Equal(t, ethNet, def)

	// Ethernet fails validation: 70-40 < 50.
	h.v.report(ethNet, detection.ResultInvalid, "")
	got = rec.take()
	require.NotEmpty(t, got)
	assert.Equal(t, fmt.Sprintf("available %d", cellNet), got[0])
	def, _ = h.svc.GetDefaultNet()
	assert.Equal(t, cellNet, def)

	for _, d := range h.svc.Nets() {
		if d.NetID == ethNet {
			assert.Equal(t, 70, d.Score)
			assert.Equal(t, 30, d.RealScore)
			assert.False(t, d.Default)
		}
		if d.NetID == cellNet {
			assert.True(t, d.Default)
		}
	}
}

func TestService_UnregisterPromotesNext(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe(8, events.EventDefaultNet)

	_, cellNet := h.connect(t, NetTypeCellular, "rmnet0", true)
	ethID, ethNet := h.connect(t, NetTypeEthernet, "eth0", true)

	rec := &recorder{}
	_, err := h.svc.ActivateNetwork(Specifier{}, rec.callback(), 0)
	require.NoError(t, err)
	rec.take()

	require.NoError(t, h.svc.UnregisterNetSupplier(ethID))
	got := rec.take()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, fmt.Sprintf("lost %d", ethNet), got[0])
	assert.Equal(t, fmt.Sprintf("available %d", cellNet), got[1])

	def, _ := h.svc.GetDefaultNet()
	assert.Equal(t, cellNet, def)
	h.ctl.AssertCalled(t, "NetworkDestroy", ethNet)

	var last events.DefaultNetData
	for len(sub) > 0 {
		last = (<-sub).Data.(events.DefaultNetData)
	}
	assert.Equal(t, events.DefaultNetData{OldNetID: ethNet, NetID: cellNet}, last)
}

func TestService_AvailabilityLost(t *testing.T) {
	h := newHarness(t)
	id, netID := h.connect(t, NetTypeWiFi, "wlan0", true)

	rec := &recorder{}
	_, err := h.svc.ActivateNetwork(Specifier{Type: NetTypeWiFi}, rec.callback(), 0)
	require.NoError(t, err)
	rec.take()

	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: false}))
	assert.Equal(t, []string{fmt.Sprintf("lost %d", netID)}, rec.take())
	assert.False(t, h.svc.HasDefaultNet())
	def, err := h.svc.GetDefaultNet()
	require.NoError(t, err)
	assert.Zero(t, def)

	h.ctl.AssertCalled(t, "NetworkDestroy", netID)
	assert.Contains(t, h.v.stopped, netID)
	assert.Empty(t, h.svc.GetAllNets())
	assert.Equal(t, StateDisconnected, h.svc.Nets()[0].State)
}

func TestService_DeactivateReleases(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim1", CapMMS)
	require.NoError(t, err)

	var calls []string
	require.NoError(t, h.svc.RegisterNetSupplierCallback(id, SupplierController{
		RequestNetwork: func(string, Capabilities) error { calls = append(calls, "request"); return nil },
		ReleaseNetwork: func(string, Capabilities) error { calls = append(calls, "release"); return nil },
	}))

	reqID, err := h.svc.ActivateNetwork(Specifier{Type: NetTypeCellular, Caps: CapMMS}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, h.svc.DeactivateNetwork(reqID))
	assert.Equal(t, []string{"request", "release"}, calls)

	assert.True(t, errors.Is(h.svc.DeactivateNetwork(reqID), errors.ErrRequestNotFound))
	assert.True(t, errors.Is(h.svc.DeactivateNetwork(1), errors.ErrRequestNotFound))

	_, err = h.svc.ActivateNetwork(Specifier{Type: NetType(-1)}, nil, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidNetworkType))
}

func TestService_BeatenSupplierReleased(t *testing.T) {
	h := newHarness(t)

	cellID, err := h.svc.RegisterNetSupplier(NetTypeCellular, "sim0", CapInternet|CapNotVPN)
	require.NoError(t, err)
	var released int
	require.NoError(t, h.svc.RegisterNetSupplierCallback(cellID, SupplierController{
		RequestNetwork: func(string, Capabilities) error { return nil },
		ReleaseNetwork: func(string, Capabilities) error { released++; return nil },
	}))

	// The default request is pending on the cellular supplier until a
	// better network wins it.
	h.connect(t, NetTypeEthernet, "eth0", true)
	assert.Equal(t, 1, released)
}

func TestService_RequestTimeout(t *testing.T) {
	h := newHarness(t)

	rec := &recorder{}
	reqID, err := h.svc.ActivateNetwork(Specifier{Type: NetTypeEthernet}, rec.callback(), 5*time.Second)
	require.NoError(t, err)

	h.clk.Advance(4 * time.Second)
	assert.Empty(t, rec.take())
	h.clk.Advance(time.Second)
	assert.Equal(t, []string{"unavailable"}, rec.take())
	assert.True(t, errors.Is(h.svc.DeactivateNetwork(reqID), errors.ErrRequestNotFound))

	// A request served in time is kept.
	_, ethNet := h.connect(t, NetTypeEthernet, "eth0", true)
	served := &recorder{}
	_, err = h.svc.ActivateNetwork(Specifier{Type: NetTypeEthernet}, served.callback(), 5*time.Second)
	require.NoError(t, err)
	h.clk.Advance(10 * time.Second)
	got := served.take()
	require.NotEmpty(t, got)
	assert.Equal(t, fmt.Sprintf("available %d", ethNet), got[0])
	assert.NotContains(t, got, "unavailable")
	assert.Zero(t, h.clk.Pending())
}

func TestService_Capabilities(t *testing.T) {
	h := newHarness(t)
	id, netID := h.connect(t, NetTypeEthernet, "eth0", true)

	rec := &recorder{}
	_, err := h.svc.ActivateNetwork(Specifier{Caps: CapInternet}, rec.callback(), 0)
	require.NoError(t, err)
	rec.take()

	require.NoError(t, h.svc.UpdateNetCapabilities(id, CapInternet|CapNotMetered))
	assert.Equal(t, []string{fmt.Sprintf("caps %d", netID)}, rec.take())

	caps, err := h.svc.GetNetCapabilities(netID)
	require.NoError(t, err)
	assert.Equal(t, CapInternet|CapNotMetered, caps)

	// Dropping INTERNET makes the supplier ineligible.
	require.NoError(t, h.svc.UpdateNetCapabilities(id, CapNotMetered))
	assert.Equal(t, []string{fmt.Sprintf("caps %d", netID), fmt.Sprintf("lost %d", netID)}, rec.take())
	assert.False(t, h.svc.HasDefaultNet())

	assert.True(t, errors.Is(h.svc.UpdateNetCapabilities(999, 0), errors.ErrSupplierNotFound))
}

func TestService_Detection(t *testing.T) {
	h := newHarness(t)
	_, netID := h.connect(t, NetTypeWiFi, "wlan0", false)

	type result struct {
		valid bool
		url   string
	}
	var got []result
	handle, err := h.svc.RegisterNetDetectionCallback(netID, func(id int32, valid bool, url string) {
		assert.Equal(t, netID, id)
		got = append(got, result{valid, url})
	})
	require.NoError(t, err)

	h.v.report(netID, detection.ResultCaptivePortal, "http://portal.example")
	h.v.report(netID, detection.ResultValid, "")
	assert.Equal(t, []result{{false, "http://portal.example"}, {true, ""}}, got)

	require.NoError(t, h.svc.UnregisterNetDetectionCallback(netID, handle))
	assert.True(t, errors.Is(h.svc.UnregisterNetDetectionCallback(netID, handle), errors.ErrInvalidParameter))
	h.v.report(netID, detection.ResultValid, "")
	assert.Len(t, got, 2)

	require.NoError(t, h.svc.NetDetection(netID))
	assert.Equal(t, []int32{netID}, h.v.triggered)
	assert.True(t, errors.Is(h.svc.NetDetection(4242), errors.ErrNetworkNotFound))

	_, err = h.svc.RegisterNetDetectionCallback(netID, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))

	h.svc.HandleLinkChange(monitor.Change{Iface: "wlan0", Type: monitor.LinkUp})
	h.svc.HandleLinkChange(monitor.Change{Iface: "wlan0", Type: monitor.AddrAdded})
	h.svc.HandleLinkChange(monitor.Change{Iface: "eth9", Type: monitor.LinkDown})
	assert.Equal(t, []int32{netID, netID}, h.v.triggered)

	// Results for a network that is gone are ignored.
	h.svc.HandleDetectionResult(777, detection.Report{NetID: netID, Result: detection.ResultValid})
}

func TestService_Queries(t *testing.T) {
	h := newHarness(t)
	_, wifiNet := h.connect(t, NetTypeWiFi, "wlan0", true)
	_, cellNet := h.connect(t, NetTypeCellular, "rmnet0", true)
	idle, err := h.svc.RegisterNetSupplier(NetTypeEthernet, "eth0", CapInternet)
	require.NoError(t, err)

	wifi, err := h.svc.GetSpecificNet(NetTypeWiFi)
	require.NoError(t, err)
	assert.Equal(t, []int32{wifiNet}, wifi)
	_, err = h.svc.GetSpecificNet(NetType(12))
	assert.True(t, errors.Is(err, errors.ErrInvalidNetworkType))
	assert.Equal(t, []int32{wifiNet, cellNet}, h.svc.GetAllNets())

	link, err := h.svc.GetConnectionProperties(wifiNet)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", link.Iface)
	assert.Equal(t, "wlan0", link.Routes[0].Iface)
	_, err = h.svc.GetConnectionProperties(1)
	assert.True(t, errors.Is(err, errors.ErrNetworkNotFound))

	// Strong Wi-Fi (60) beats cellular (50).
	def, _ := h.svc.GetDefaultNet()
	assert.Equal(t, wifiNet, def)
	assert.Equal(t, wifiNet, h.svc.GetSpecificUidNet(10001))

	_, vpnNet := h.connect(t, NetTypeVPN, "tun0", true)
	assert.Equal(t, vpnNet, h.svc.GetSpecificUidNet(10001))
	def, _ = h.svc.GetDefaultNet()
	assert.Equal(t, wifiNet, def, "vpn never becomes the default network")

	require.NoError(t, h.svc.BindSocket(7, wifiNet))
	h.ctl.AssertCalled(t, "BindSocket", 7, wifiNet)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(h.svc.BindSocket(7, h.netID(t, idle))))
	assert.True(t, errors.Is(h.svc.BindSocket(7, 5), errors.ErrNetworkNotFound))
}

func TestService_CallbacksMayReenter(t *testing.T) {
	h := newHarness(t)
	h.connect(t, NetTypeEthernet, "eth0", true)

	var seen int32
	_, err := h.svc.ActivateNetwork(Specifier{}, &NetConnCallback{
		NetAvailable: func(int32) {
			seen, _ = h.svc.GetDefaultNet()
		},
	}, 0)
	require.NoError(t, err)
	assert.NotZero(t, seen)
}

func TestService_CallbacksKeepOrderAcrossGoroutines(t *testing.T) {
	h := newHarness(t)
	id, netID := h.connect(t, NetTypeEthernet, "eth0", true)

	rec := &recorder{}
	cb := rec.callback()
	entered := make(chan struct{})
	release := make(chan struct{})
	available := cb.NetAvailable
	cb.NetAvailable = func(id int32) {
		available(id)
		close(entered)
		<-release
	}

	activated := make(chan error, 1)
	go func() {
		_, err := h.svc.ActivateNetwork(Specifier{}, cb, 0)
		activated <- err
	}()
	<-entered

	// The supplier drops while the first batch is still being delivered.
	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: false}))
	close(release)
	require.NoError(t, <-activated)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.got) >= 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		fmt.Sprintf("available %d", netID),
		fmt.Sprintf("caps %d", netID),
		fmt.Sprintf("link %d", netID),
		fmt.Sprintf("lost %d", netID),
	}, rec.take())
}

func TestService_ValidityClearedWithNetwork(t *testing.T) {
	h := newHarness(t)
	id, netID := h.connect(t, NetTypeEthernet, "eth0", true)
	require.True(t, h.svc.Nets()[0].Valid)

	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: false}))
	d := h.svc.Nets()[0]
	assert.False(t, d.Valid)
	assert.Equal(t, d.Score-NetValidScore, d.RealScore)

	// A result for the destroyed network arrives late.
	h.svc.HandleDetectionResult(id, detection.Report{NetID: netID, Result: detection.ResultValid})
	d = h.svc.Nets()[0]
	assert.False(t, d.Valid)
	assert.Equal(t, d.Score-NetValidScore, d.RealScore)
	assert.False(t, h.svc.HasDefaultNet())

	// Coming back starts unvalidated until a new result is in.
	require.NoError(t, h.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: true}))
	assert.False(t, h.svc.Nets()[0].Valid)
}
