package connmgr

import (
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/monitor"
	"grimm.is/netconn/internal/netd"
)

var ifacePrefixes = []struct {
	prefix string
	t      NetType
}{
	{"wlan", NetTypeWiFi},
	{"wl", NetTypeWiFi},
	{"eth", NetTypeEthernet},
	{"en", NetTypeEthernet},
	{"rndis", NetTypeUSB},
	{"usb", NetTypeUSB},
	{"rmnet", NetTypeCellular},
	{"wwan", NetTypeCellular},
	{"ccmni", NetTypeCellular},
	{"bnep", NetTypeBluetooth},
	{"bt-pan", NetTypeBluetooth},
	{"tun", NetTypeVPN},
	{"wg", NetTypeVPN},
}

// ClassifyIface guesses the bearer type from an interface name. Anything it
// does not recognise is wired Ethernet; loopback is NetTypeUnknown and never
// becomes a supplier.
func ClassifyIface(name string) NetType {
	if name == "" || name == "lo" {
		return NetTypeUnknown
	}
	for _, p := range ifacePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.t
		}
	}
	return NetTypeEthernet
}

func ifaceCaps(t NetType) Capabilities {
	if t == NetTypeVPN {
		return CapInternet
	}
	caps := CapInternet | CapNotVPN
	if t == NetTypeEthernet || t == NetTypeWiFi {
		caps |= CapNotMetered
	}
	return caps
}

// linkSupplierInfo is what a freshly carrier-up link reports. Wi-Fi has no
// signal reading yet and starts at the bottom of the RSSI range.
func linkSupplierInfo(t NetType) SupplierInfo {
	info := SupplierInfo{Available: true}
	if t == NetTypeWiFi {
		info.Strength = WiFiMinRSSI
	}
	return info
}

// linkEntry tracks one interface. Tunnels are configured by whoever owns
// them, so their addrs come from the monitor instead of a lease.
type linkEntry struct {
	supplierID uint32
	netType    NetType
	up         bool
	active     bool
	polls      int
	timer      clock.Timer
	addrs      []netip.Prefix
}

// LinkSupplier registers a supplier for every physical interface the monitor
// reports and configures it with DHCP through the daemon.
type LinkSupplier struct {
	svc    *Service
	ctl    netd.Controller
	clock  clock.Clock
	logger *logging.Logger

	pollInterval time.Duration
	maxPolls     int

	mu    sync.Mutex
	links map[string]*linkEntry
}

// LinkSupplierOption configures a LinkSupplier.
type LinkSupplierOption func(*LinkSupplier)

// WithLeasePolling sets how often and how many times the daemon is asked
// for a lease after the DHCP client starts.
func WithLeasePolling(interval time.Duration, attempts int) LinkSupplierOption {
	return func(l *LinkSupplier) { l.pollInterval, l.maxPolls = interval, attempts }
}

// WithLinkClock sets the clock used for lease polling.
func WithLinkClock(c clock.Clock) LinkSupplierOption {
	return func(l *LinkSupplier) { l.clock = c }
}

// NewLinkSupplier creates a LinkSupplier feeding svc.
func NewLinkSupplier(svc *Service, ctl netd.Controller, logger *logging.Logger, opts ...LinkSupplierOption) *LinkSupplier {
	l := &LinkSupplier{
		svc:          svc,
		ctl:          ctl,
		pollInterval: time.Second,
		maxPolls:     30,
		links:        make(map[string]*linkEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.OrReal(l.clock)
	l.logger = logging.OrDefault(logger).WithComponent("link-supplier")
	return l
}

// SupplierID returns the supplier registered for iface.
func (l *LinkSupplier) SupplierID(iface string) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.links[iface]
	if !ok {
		return 0, false
	}
	return e.supplierID, true
}

// HandleChange is a monitor callback.
func (l *LinkSupplier) HandleChange(c monitor.Change) {
	t := ClassifyIface(c.Iface)
	if t == NetTypeUnknown {
		return
	}
	switch c.Type {
	case monitor.LinkAdded:
		l.ensure(c.Iface, t)
	case monitor.LinkUp:
		if l.ensure(c.Iface, t) {
			l.linkUp(c.Iface, true)
		}
	case monitor.LinkDown:
		l.linkDown(c.Iface)
	case monitor.LinkRemoved:
		l.remove(c.Iface)
	case monitor.AddrAdded, monitor.AddrRemoved:
		if t == NetTypeVPN {
			l.tunnelAddr(c)
		}
	}
}

// ensure registers iface as a supplier if it is not yet known.
func (l *LinkSupplier) ensure(iface string, t NetType) bool {
	l.mu.Lock()
	_, ok := l.links[iface]
	l.mu.Unlock()
	if ok {
		return true
	}

	caps := ifaceCaps(t)
	id, err := l.svc.RegisterNetSupplier(t, iface, caps)
	if err != nil {
		l.logger.Warn("register interface failed", "iface", iface, "error", err)
		return false
	}

	l.mu.Lock()
	if _, ok := l.links[iface]; !ok {
		l.links[iface] = &linkEntry{supplierID: id, netType: t}
	}
	l.mu.Unlock()

	err = l.svc.RegisterNetSupplierCallback(id, SupplierController{
		RequestNetwork: func(string, Capabilities) error {
			l.linkUp(iface, false)
			return nil
		},
		ReleaseNetwork: func(string, Capabilities) error {
			// The link stays configured; other requests may still want it.
			l.logger.Debug("release requested", "iface", iface)
			return nil
		},
	})
	if err != nil {
		l.logger.Warn("register controller failed", "iface", iface, "error", err)
	}
	return true
}

// linkUp marks iface available and starts DHCP on it, or applies the known
// addresses of a tunnel. Requests from the Service only restart a link the
// kernel reported up.
func (l *LinkSupplier) linkUp(iface string, carrier bool) {
	l.mu.Lock()
	e, ok := l.links[iface]
	if !ok {
		l.mu.Unlock()
		return
	}
	if carrier {
		e.up = true
	}
	if !e.up || e.active {
		l.mu.Unlock()
		return
	}
	e.active = true
	e.polls = 0
	id, t := e.supplierID, e.netType
	l.mu.Unlock()

	if err := l.svc.UpdateNetSupplierInfo(id, linkSupplierInfo(t)); err != nil {
		l.logger.Warn("supplier info update failed", "iface", iface, "error", err)
	}
	if t == NetTypeVPN {
		l.applyTunnel(iface)
		return
	}
	if err := l.ctl.StartDHCPClient(iface); err != nil {
		l.logger.Warn("start dhcp failed", "iface", iface, "error", err)
		l.mu.Lock()
		e.active = false
		l.mu.Unlock()
		return
	}
	l.schedulePoll(iface)
}

func (l *LinkSupplier) tunnelAddr(c monitor.Change) {
	if !c.Address.IsValid() {
		return
	}
	l.mu.Lock()
	e, ok := l.links[c.Iface]
	if !ok {
		l.mu.Unlock()
		return
	}
	e.addrs = slices.DeleteFunc(e.addrs, func(p netip.Prefix) bool { return p == c.Address })
	if c.Type == monitor.AddrAdded {
		e.addrs = append(e.addrs, c.Address)
	}
	l.mu.Unlock()
	l.applyTunnel(c.Iface)
}

func (l *LinkSupplier) applyTunnel(iface string) {
	l.mu.Lock()
	e, ok := l.links[iface]
	if !ok || !e.active || len(e.addrs) == 0 {
		l.mu.Unlock()
		return
	}
	id, info := e.supplierID, TunnelLinkInfo(iface, e.addrs)
	l.mu.Unlock()

	if err := l.svc.UpdateNetLinkInfo(id, info); err != nil {
		l.logger.Warn("link info update failed", "iface", iface, "error", err)
	}
}

func (l *LinkSupplier) schedulePoll(iface string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.links[iface]
	if !ok || !e.active {
		return
	}
	e.timer = l.clock.AfterFunc(l.pollInterval, func() { l.poll(iface) })
}

func (l *LinkSupplier) poll(iface string) {
	l.mu.Lock()
	e, ok := l.links[iface]
	if !ok || !e.active {
		l.mu.Unlock()
		return
	}
	e.timer = nil
	e.polls++
	polls, id := e.polls, e.supplierID
	l.mu.Unlock()

	lease, err := l.ctl.GetDHCPLease(iface)
	if err != nil {
		if polls >= l.maxPolls {
			l.logger.Warn("no dhcp lease", "iface", iface, "attempts", polls)
			return
		}
		l.schedulePoll(iface)
		return
	}
	if err := l.svc.UpdateNetLinkInfo(id, LeaseLinkInfo(lease)); err != nil {
		l.logger.Warn("link info update failed", "iface", iface, "error", err)
	}
}

func (l *LinkSupplier) linkDown(iface string) {
	l.mu.Lock()
	e, ok := l.links[iface]
	if !ok || !e.up {
		l.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.up = false
	wasDHCP := e.active && e.netType != NetTypeVPN
	e.active = false
	id := e.supplierID
	l.mu.Unlock()

	if wasDHCP {
		if err := l.ctl.StopDHCPClient(iface); err != nil {
			l.logger.Debug("stop dhcp failed", "iface", iface, "error", err)
		}
	}
	if err := l.svc.UpdateNetSupplierInfo(id, SupplierInfo{Available: false}); err != nil {
		l.logger.Warn("supplier info update failed", "iface", iface, "error", err)
	}
}

func (l *LinkSupplier) remove(iface string) {
	l.linkDown(iface)

	l.mu.Lock()
	e, ok := l.links[iface]
	delete(l.links, iface)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.svc.UnregisterNetSupplier(e.supplierID); err != nil {
		l.logger.Warn("unregister interface failed", "iface", iface, "error", err)
	}
}

// LeaseLinkInfo converts a DHCP lease into link configuration: the leased
// address, its subnet route, a default route through the router and any
// classless routes.
func LeaseLinkInfo(lease netd.DHCPLease) LinkInfo {
	info := LinkInfo{
		Iface: lease.Iface,
		DNS:   lease.DNS,
	}
	if lease.Address.IsValid() {
		info.Addresses = []netip.Prefix{lease.Address}
		info.Routes = append(info.Routes, netd.Route{
			Iface:       lease.Iface,
			Destination: lease.Address.Masked(),
		})
	}
	if lease.Router.IsValid() {
		info.Routes = append(info.Routes, netd.Route{
			Iface:       lease.Iface,
			Destination: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			Gateway:     lease.Router,
		})
	}
	for _, p := range lease.Routes {
		info.Routes = append(info.Routes, netd.Route{
			Iface:       lease.Iface,
			Destination: p,
			Gateway:     lease.Router,
		})
	}
	return info
}

// TunnelLinkInfo routes everything through a point-to-point tunnel: its
// addresses and an on-link default route per address family.
func TunnelLinkInfo(iface string, addrs []netip.Prefix) LinkInfo {
	info := LinkInfo{Iface: iface, Addresses: slices.Clone(addrs)}
	var v4, v6 bool
	for _, a := range addrs {
		if a.Addr().Is4() {
			v4 = true
		} else {
			v6 = true
		}
	}
	if v4 {
		info.Routes = append(info.Routes, netd.Route{Iface: iface, Destination: netip.PrefixFrom(netip.IPv4Unspecified(), 0)})
	}
	if v6 {
		info.Routes = append(info.Routes, netd.Route{Iface: iface, Destination: netip.PrefixFrom(netip.IPv6Unspecified(), 0)})
	}
	return info
}
