package netd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
)

// Rule priority offsets from DaemonConfig.RulePriorityBase.
const (
	markRuleOffset    = 100
	oifRuleOffset     = 200
	defaultRuleOffset = 900
)

// DaemonConfig holds the routing layout of the daemon.
type DaemonConfig struct {
	TableBase        int
	RulePriorityBase int
}

// DefaultDaemonConfig matches the config package defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{TableBase: 1000, RulePriorityBase: 13000}
}

type physNetwork struct {
	perm   Permission
	ifaces map[string]bool
	routes map[string]Route
}

// Daemon implements Controller against the local kernel.
type Daemon struct {
	mu sync.Mutex

	cfg        DaemonConfig
	nl         Netlinker
	resolver   *Resolver
	dhcpClient DHCPClientRunner
	dhcpServer DHCPServerRunner
	acct       Accounting
	hub        *events.Hub
	logger     *logging.Logger
	clock      clock.Clock

	networks   map[int32]*physNetwork
	leases     map[string]DHCPLease
	clients    map[string]bool
	serving    map[string]bool
	defaultNet int32
}

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithResolver sets the DNS resolver.
func WithResolver(r *Resolver) DaemonOption { return func(d *Daemon) { d.resolver = r } }

// WithDHCP sets the DHCP client and server runners.
func WithDHCP(client DHCPClientRunner, server DHCPServerRunner) DaemonOption {
	return func(d *Daemon) {
		d.dhcpClient = client
		d.dhcpServer = server
	}
}

// WithAccounting sets the per-uid traffic accounting backend.
func WithAccounting(a Accounting) DaemonOption { return func(d *Daemon) { d.acct = a } }

// WithHub publishes DHCP lease events on hub.
func WithHub(hub *events.Hub) DaemonOption { return func(d *Daemon) { d.hub = hub } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) DaemonOption { return func(d *Daemon) { d.logger = l } }

// WithClock sets the time source.
func WithClock(c clock.Clock) DaemonOption { return func(d *Daemon) { d.clock = c } }

// NewDaemon creates a daemon over nl.
func NewDaemon(nl Netlinker, cfg DaemonConfig, opts ...DaemonOption) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		nl:       nl,
		networks: make(map[int32]*physNetwork),
		leases:   make(map[string]DHCPLease),
		clients:  make(map[string]bool),
		serving:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger).WithComponent("netd")
	d.clock = clock.OrReal(d.clock)
	if d.resolver == nil {
		d.resolver = NewResolver(nil, d.clock)
	}
	return d
}

var _ Controller = (*Daemon)(nil)

func (d *Daemon) table(netID int32) int {
	return d.cfg.TableBase + int(netID)
}

func (d *Daemon) rules(table, priority int, set func(*netlink.Rule)) []*netlink.Rule {
	out := make([]*netlink.Rule, 0, 2)
	for _, fam := range []int{unix.AF_INET, unix.AF_INET6} {
		r := netlink.NewRule()
		r.Family = fam
		r.Table = table
		r.Priority = priority
		set(r)
		out = append(out, r)
	}
	return out
}

func (d *Daemon) markRules(netID int32) []*netlink.Rule {
	return d.rules(d.table(netID), d.cfg.RulePriorityBase+markRuleOffset, func(r *netlink.Rule) {
		r.Mark = uint32(netID)
	})
}

func (d *Daemon) oifRules(netID int32, iface string) []*netlink.Rule {
	return d.rules(d.table(netID), d.cfg.RulePriorityBase+oifRuleOffset, func(r *netlink.Rule) {
		r.OifName = iface
	})
}

func (d *Daemon) defaultRules(netID int32) []*netlink.Rule {
	return d.rules(d.table(netID), d.cfg.RulePriorityBase+defaultRuleOffset, func(*netlink.Rule) {})
}

func isExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "file exists")
}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "no such process")
}

func (d *Daemon) addRules(rules []*netlink.Rule) error {
	for _, r := range rules {
		if err := d.nl.RuleAdd(r); err != nil && !isExists(err) {
			return err
		}
	}
	return nil
}

func (d *Daemon) delRules(rules []*netlink.Rule) error {
	var errs []error
	for _, r := range rules {
		if err := d.nl.RuleDel(r); err != nil && !isMissing(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) network(netID int32) (*physNetwork, error) {
	n, ok := d.networks[netID]
	if !ok {
		return nil, fmt.Errorf("net %d: %w", netID, errors.ErrNetworkNotFound)
	}
	return n, nil
}

// NetworkCreatePhysical allocates the routing table and fwmark rule of netID.
func (d *Daemon) NetworkCreatePhysical(netID int32, perm Permission) error {
	if netID <= 0 {
		return errors.Attr(errors.Errorf(errors.KindValidation, "invalid net id %d", netID), "net_id", netID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.networks[netID]; ok {
		return errors.Errorf(errors.KindConflict, "net %d already exists", netID)
	}
	if err := d.addRules(d.markRules(netID)); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create net %d", netID)
	}
	d.networks[netID] = &physNetwork{
		perm:   perm,
		ifaces: make(map[string]bool),
		routes: make(map[string]Route),
	}
	d.logger.Info("network created", "net_id", netID, "table", d.table(netID))
	return nil
}

// NetworkDestroy removes netID with its interfaces, routes and rules.
func (d *Daemon) NetworkDestroy(netID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.network(netID)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range n.routes {
		if err := d.delRoute(netID, r); err != nil {
			errs = append(errs, err)
		}
	}
	for iface := range n.ifaces {
		if err := d.delRules(d.oifRules(netID, iface)); err != nil {
			errs = append(errs, err)
		}
	}
	if d.defaultNet == netID {
		if err := d.delRules(d.defaultRules(netID)); err != nil {
			errs = append(errs, err)
		}
		d.defaultNet = 0
	}
	if err := d.delRules(d.markRules(netID)); err != nil {
		errs = append(errs, err)
	}
	delete(d.networks, netID)

	if len(errs) > 0 {
		return errors.Wrapf(errors.Join(errs...), errors.KindInternal, "destroy net %d", netID)
	}
	d.logger.Info("network destroyed", "net_id", netID)
	return nil
}

// NetworkAddInterface attaches iface to netID. An interface belongs to at most
// one network.
func (d *Daemon) NetworkAddInterface(netID int32, iface string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.network(netID)
	if err != nil {
		return err
	}
	if n.ifaces[iface] {
		return nil
	}
	for id, other := range d.networks {
		if other.ifaces[iface] {
			return errors.Errorf(errors.KindConflict, "%s already belongs to net %d", iface, id)
		}
	}
	if _, err := d.nl.LinkByName(iface); err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "interface %s", iface)
	}
	if err := d.addRules(d.oifRules(netID, iface)); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "add %s to net %d", iface, netID)
	}
	n.ifaces[iface] = true
	d.logger.Debug("interface added", "net_id", netID, "iface", iface)
	return nil
}

// NetworkRemoveInterface detaches iface and drops its routes from netID.
func (d *Daemon) NetworkRemoveInterface(netID int32, iface string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.network(netID)
	if err != nil {
		return err
	}
	if !n.ifaces[iface] {
		return errors.Errorf(errors.KindNotFound, "%s is not in net %d", iface, netID)
	}

	var errs []error
	for key, r := range n.routes {
		if r.Iface != iface {
			continue
		}
		if err := d.delRoute(netID, r); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(n.routes, key)
	}
	if err := d.delRules(d.oifRules(netID, iface)); err != nil {
		errs = append(errs, err)
	}
	delete(n.ifaces, iface)

	if len(errs) > 0 {
		return errors.Wrapf(errors.Join(errs...), errors.KindInternal, "remove %s from net %d", iface, netID)
	}
	return nil
}

func (d *Daemon) netlinkRoute(netID int32, r Route) (*netlink.Route, error) {
	if !r.Destination.IsValid() {
		return nil, errors.Errorf(errors.KindValidation, "route on %s has no destination", r.Iface)
	}
	link, err := d.nl.LinkByName(r.Iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", r.Iface)
	}
	nr := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(r.Destination),
		Table:     d.table(netID),
		Priority:  r.Metric,
		Family:    family(r.Destination.Addr()),
	}
	if r.Gateway.IsValid() && !r.Gateway.IsUnspecified() {
		nr.Gw = net.IP(r.Gateway.AsSlice())
	}
	return nr, nil
}

func (d *Daemon) delRoute(netID int32, r Route) error {
	nr, err := d.netlinkRoute(netID, r)
	if err != nil {
		return err
	}
	if err := d.nl.RouteDel(nr); err != nil && !isMissing(err) {
		return err
	}
	return nil
}

// NetworkAddRoute installs r in the table of netID.
func (d *Daemon) NetworkAddRoute(netID int32, r Route) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.network(netID)
	if err != nil {
		return err
	}
	nr, err := d.netlinkRoute(netID, r)
	if err != nil {
		return err
	}
	if err := d.nl.RouteReplace(nr); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "add route %s to net %d", r.Destination, netID)
	}
	n.routes[r.Key()] = r
	return nil
}

// NetworkRemoveRoute removes r from the table of netID.
func (d *Daemon) NetworkRemoveRoute(netID int32, r Route) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.network(netID)
	if err != nil {
		return err
	}
	if _, ok := n.routes[r.Key()]; !ok {
		return errors.Errorf(errors.KindNotFound, "route %s via %s not in net %d", r.Destination, r.Iface, netID)
	}
	if err := d.delRoute(netID, r); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "remove route %s from net %d", r.Destination, netID)
	}
	delete(n.routes, r.Key())
	return nil
}

// SetResolverConfig sets the DNS servers of netID.
func (d *Daemon) SetResolverConfig(netID int32, cfg ResolverConfig) error {
	d.mu.Lock()
	_, err := d.network(netID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.resolver.SetConfig(netID, cfg)
}

func (d *Daemon) GetResolverConfig(netID int32) (ResolverConfig, error) {
	return d.resolver.Config(netID)
}

func (d *Daemon) CreateNetworkCache(netID int32) error {
	d.resolver.CreateCache(netID)
	return nil
}

func (d *Daemon) FlushNetworkCache(netID int32) error {
	d.resolver.FlushCache(netID)
	return nil
}

func (d *Daemon) DestroyNetworkCache(netID int32) error {
	d.resolver.DestroyCache(netID)
	return nil
}

// GetAddrInfo resolves host with the resolver of netID.
func (d *Daemon) GetAddrInfo(netID int32, host string) ([]netip.Addr, error) {
	return d.resolver.Resolve(context.Background(), netID, host)
}

func (d *Daemon) link(iface string) (netlink.Link, error) {
	link, err := d.nl.LinkByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", iface)
	}
	return link, nil
}

func (d *Daemon) SetInterfaceMTU(iface string, mtu int) error {
	if mtu < 68 || mtu > 65535 {
		return errors.Attr(errors.Errorf(errors.KindValidation, "invalid mtu %d", mtu), "iface", iface)
	}
	link, err := d.link(iface)
	if err != nil {
		return err
	}
	if err := d.nl.LinkSetMTU(link, mtu); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "set mtu of %s", iface)
	}
	return nil
}

func (d *Daemon) GetInterfaceMTU(iface string) (int, error) {
	link, err := d.link(iface)
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (d *Daemon) InterfaceAddAddress(iface string, addr netip.Prefix) error {
	link, err := d.link(iface)
	if err != nil {
		return err
	}
	if err := d.nl.AddrAdd(link, &netlink.Addr{IPNet: addrToIPNet(addr)}); err != nil && !isExists(err) {
		return errors.Wrapf(err, errors.KindInternal, "add %s to %s", addr, iface)
	}
	return nil
}

func (d *Daemon) InterfaceDelAddress(iface string, addr netip.Prefix) error {
	link, err := d.link(iface)
	if err != nil {
		return err
	}
	if err := d.nl.AddrDel(link, &netlink.Addr{IPNet: addrToIPNet(addr)}); err != nil && !isMissing(err) {
		return errors.Wrapf(err, errors.KindInternal, "delete %s from %s", addr, iface)
	}
	return nil
}

// StartDHCPClient starts acquiring a lease on iface. Leases are kept for
// GetDHCPLease and published on the event hub.
func (d *Daemon) StartDHCPClient(iface string) error {
	if d.dhcpClient == nil {
		return errors.New(errors.KindUnavailable, "dhcp client not available")
	}
	if _, err := d.link(iface); err != nil {
		return err
	}
	if err := d.dhcpClient.Start(iface, d.onLease); err != nil {
		return err
	}
	d.mu.Lock()
	d.clients[iface] = true
	d.mu.Unlock()
	return nil
}

func (d *Daemon) onLease(l DHCPLease) {
	d.mu.Lock()
	d.leases[l.Iface] = l
	d.mu.Unlock()

	d.logger.Info("dhcp lease", "iface", l.Iface, "address", l.Address, "router", l.Router)
	data := events.DHCPLeaseData{
		Iface:   l.Iface,
		Address: l.Address.String(),
		Lease:   l.LeaseTime,
	}
	if l.Router.IsValid() {
		data.Router = l.Router.String()
	}
	for _, a := range l.DNS {
		data.DNS = append(data.DNS, a.String())
	}
	d.hub.EmitDHCPLease(data)
}

func (d *Daemon) StopDHCPClient(iface string) error {
	if d.dhcpClient == nil {
		return errors.New(errors.KindUnavailable, "dhcp client not available")
	}
	err := d.dhcpClient.Stop(iface)
	d.mu.Lock()
	delete(d.leases, iface)
	delete(d.clients, iface)
	d.mu.Unlock()
	return err
}

func (d *Daemon) GetDHCPLease(iface string) (DHCPLease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.leases[iface]
	if !ok {
		return DHCPLease{}, errors.Errorf(errors.KindNotFound, "no lease on %s", iface)
	}
	return l, nil
}

// StartDHCPService assigns the server address to iface and serves leases.
func (d *Daemon) StartDHCPService(iface string, cfg DHCPServiceConfig) error {
	if d.dhcpServer == nil {
		return errors.New(errors.KindUnavailable, "dhcp server not available")
	}
	if err := d.InterfaceAddAddress(iface, cfg.ServerAddr); err != nil {
		return err
	}
	if err := d.dhcpServer.Start(iface, cfg); err != nil {
		return err
	}
	d.mu.Lock()
	d.serving[iface] = true
	d.mu.Unlock()
	return nil
}

func (d *Daemon) StopDHCPService(iface string) error {
	if d.dhcpServer == nil {
		return errors.New(errors.KindUnavailable, "dhcp server not available")
	}
	d.mu.Lock()
	delete(d.serving, iface)
	d.mu.Unlock()
	return d.dhcpServer.Stop(iface)
}

// SetDefaultNetwork points the catch-all rule at netID. The new rule is added
// before the old one is removed so there is never a window without a default.
func (d *Daemon) SetDefaultNetwork(netID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.network(netID); err != nil {
		return err
	}
	if d.defaultNet == netID {
		return nil
	}
	if err := d.addRules(d.defaultRules(netID)); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "set default net %d", netID)
	}
	old := d.defaultNet
	d.defaultNet = netID
	if old != 0 {
		if err := d.delRules(d.defaultRules(old)); err != nil {
			d.logger.Warn("failed to remove previous default rule", "net_id", old, "error", err)
		}
	}
	d.logger.Info("default network", "net_id", netID, "previous", old)
	return nil
}

// ClearDefaultNetwork removes the catch-all rule. Clearing twice is a no-op.
func (d *Daemon) ClearDefaultNetwork() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.defaultNet == 0 {
		return nil
	}
	if err := d.delRules(d.defaultRules(d.defaultNet)); err != nil {
		return errors.Wrap(err, errors.KindInternal, "clear default network")
	}
	d.logger.Info("default network cleared", "net_id", d.defaultNet)
	d.defaultNet = 0
	return nil
}

// GetDefaultNetwork returns the default netId, or 0 when none is set.
func (d *Daemon) GetDefaultNetwork() (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultNet, nil
}

// HasNetwork reports whether netID has been created.
func (d *Daemon) HasNetwork(netID int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.networks[netID]
	return ok
}

// BindSocket marks fd for netID. Only meaningful in the caller's process.
func (d *Daemon) BindSocket(fd int, netID int32) error {
	d.mu.Lock()
	_, err := d.network(netID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return MarkSocket(fd, netID)
}

// GetInterfaceNames lists non-loopback interfaces, sorted.
func (d *Daemon) GetInterfaceNames() ([]string, error) {
	links, err := d.nl.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "list links")
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// GetIfaceStats reads the kernel counters of iface.
func (d *Daemon) GetIfaceStats(iface string) (TrafficStats, error) {
	link, err := d.link(iface)
	if err != nil {
		return TrafficStats{}, err
	}
	st := link.Attrs().Statistics
	if st == nil {
		return TrafficStats{}, nil
	}
	return TrafficStats{
		RxBytes:   st.RxBytes,
		TxBytes:   st.TxBytes,
		RxPackets: st.RxPackets,
		TxPackets: st.TxPackets,
	}, nil
}

// GetUIDStats reads the accounting counters of uid on iface.
func (d *Daemon) GetUIDStats(uid uint32, iface string) (TrafficStats, error) {
	if d.acct == nil {
		return TrafficStats{}, errors.New(errors.KindUnavailable, "uid accounting not available")
	}
	return d.acct.Counters(uid, iface)
}

func (d *Daemon) Ping() error { return nil }

// Close stops DHCP and removes accounting state.
func (d *Daemon) Close() error {
	d.mu.Lock()
	ifaces := make([]string, 0, len(d.clients))
	for iface := range d.clients {
		ifaces = append(ifaces, iface)
	}
	serving := make([]string, 0, len(d.serving))
	for iface := range d.serving {
		serving = append(serving, iface)
	}
	d.mu.Unlock()

	var errs []error
	if d.dhcpClient != nil {
		for _, iface := range ifaces {
			errs = append(errs, d.dhcpClient.Stop(iface))
		}
	}
	if d.dhcpServer != nil {
		for _, iface := range serving {
			errs = append(errs, d.dhcpServer.Stop(iface))
		}
	}
	if d.acct != nil {
		errs = append(errs, d.acct.Close())
	}
	return errors.Join(errs...)
}
