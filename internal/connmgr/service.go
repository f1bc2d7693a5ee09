package connmgr

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/detection"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/monitor"
	"grimm.is/netconn/internal/netd"
)

// Default netId space.
const (
	MinNetID int32 = 100
	MaxNetID int32 = 64511
)

// Service owns every supplier, network and request.
//
// All state is guarded by mu. Client callbacks, supplier controller calls and
// validator calls produced while the lock is held are queued and run outside
// it, so callbacks may call back into the Service. A single goroutine drains
// the queue at a time, which keeps delivery in the order the state changes
// were made even when several goroutines drive the Service.
type Service struct {
	ctl       netd.Controller
	validator Validator
	clock     clock.Clock
	hub       *events.Hub
	metrics   *metrics.Registry
	logger    *logging.Logger
	minNetID  int32
	maxNetID  int32

	mu          sync.Mutex
	queue       []func()
	dispatching bool
	suppliers   map[uint32]*NetSupplier
	order       []uint32
	networks    map[int32]*Network
	requests    map[uint32]*NetActivate
	defaultReq  *NetActivate
	defaultSup  *NetSupplier

	lastNetID      int32
	lastSupplierID uint32
	lastRequestID  uint32
}

// Option configures a Service.
type Option func(*Service)

// WithValidator sets the connectivity validator. Without one networks are
// never validated and keep the score penalty.
func WithValidator(v Validator) Option { return func(s *Service) { s.validator = v } }

// WithClock sets the clock used for request timeouts.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithHub publishes state changes on h.
func WithHub(h *events.Hub) Option { return func(s *Service) { s.hub = h } }

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option { return func(s *Service) { s.metrics = r } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.logger = l } }

// WithNetIDRange bounds the netId space.
func WithNetIDRange(lo, hi int32) Option {
	return func(s *Service) { s.minNetID, s.maxNetID = lo, hi }
}

// NewService creates a Service driving ctl.
func NewService(ctl netd.Controller, opts ...Option) *Service {
	s := &Service{
		ctl:       ctl,
		minNetID:  MinNetID,
		maxNetID:  MaxNetID,
		suppliers: make(map[uint32]*NetSupplier),
		networks:  make(map[int32]*Network),
		requests:  make(map[uint32]*NetActivate),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.metrics = metrics.OrGet(s.metrics)
	s.logger = logging.OrDefault(s.logger).WithComponent("connmgr")
	s.lastNetID = s.minNetID - 1

	// The default request decides the system default network.
	s.lastRequestID++
	s.defaultReq = newNetActivate(s.lastRequestID, Specifier{Caps: CapInternet}, nil)
	s.defaultReq.internal = true
	s.requests[s.defaultReq.id] = s.defaultReq
	return s
}

func (s *Service) lock() { s.mu.Lock() }

// unlock releases mu and runs everything queued under it. If another call is
// already draining the queue (a different goroutine, or a callback re-entering
// the Service), the work is left for it.
func (s *Service) unlock() {
	if s.dispatching || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for {
		q := s.queue
		s.queue = nil
		if len(q) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.run(q)
		s.mu.Lock()
	}
}

// run calls each queued func. A panicking callback leaves the queue to the
// next unlock.
func (s *Service) run(q []func()) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.dispatching = false
			s.mu.Unlock()
			panic(r)
		}
	}()
	for _, f := range q {
		f()
	}
}

// post queues f. Callers hold mu.
func (s *Service) post(f func()) {
	s.queue = append(s.queue, f)
}

func (s *Service) supplier(id uint32) (*NetSupplier, error) {
	sup, ok := s.suppliers[id]
	if !ok {
		return nil, fmt.Errorf("supplier %d: %w", id, errors.ErrSupplierNotFound)
	}
	return sup, nil
}

func (s *Service) network(netID int32) (*Network, *NetSupplier, error) {
	n, ok := s.networks[netID]
	if !ok {
		return nil, nil, fmt.Errorf("net %d: %w", netID, errors.ErrNetworkNotFound)
	}
	return n, s.suppliers[n.supplierID], nil
}

// RegisterNetSupplier registers a supplier and allocates its network. An
// existing supplier with the same type, ident and capabilities is returned
// as is.
func (s *Service) RegisterNetSupplier(t NetType, ident string, caps Capabilities) (uint32, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%s: %w", t, errors.ErrInvalidNetworkType)
	}
	s.lock()
	defer s.unlock()

	for _, id := range s.order {
		sup := s.suppliers[id]
		if sup.netType == t && sup.ident == ident && sup.caps == caps {
			return id, nil
		}
	}

	if _, err := ServiceScore(t, 0); err != nil {
		return 0, err
	}
	netID, err := s.allocNetID()
	if err != nil {
		return 0, err
	}

	s.lastSupplierID++
	id := s.lastSupplierID
	sup := newNetSupplier(id, t, ident, caps, s.post, s.logger)
	sup.onState = s.stateChanged
	sup.network = newNetwork(netID, id, s.ctl, s.validator, s.HandleDetectionResult, s.post, s.logger)
	if err := sup.updateScore(); err != nil {
		return 0, err
	}

	s.suppliers[id] = sup
	s.order = append(s.order, id)
	s.networks[netID] = sup.network
	sup.setState(StateIdle)

	s.logger.Info("supplier registered", "supplier", id, "type", t.String(), "ident", ident,
		"caps", caps.String(), "net_id", netID)
	return id, nil
}

// allocNetID scans forward from the last id handed out, wrapping inside the
// configured range.
func (s *Service) allocNetID() (int32, error) {
	span := s.maxNetID - s.minNetID + 1
	id := s.lastNetID
	for range span {
		id++
		if id < s.minNetID || id > s.maxNetID {
			id = s.minNetID
		}
		if _, used := s.networks[id]; !used {
			s.lastNetID = id
			return id, nil
		}
	}
	return 0, errors.ErrNoNetworkIDAvailable
}

// UnregisterNetSupplier removes a supplier and its network and rebinds the
// requests it served.
func (s *Service) UnregisterNetSupplier(id uint32) error {
	s.lock()
	defer s.unlock()

	sup, err := s.supplier(id)
	if err != nil {
		return err
	}
	s.loseBest(sup)
	teardownErr := sup.network.UpdateBasicNetwork(false)
	sup.setState(StateDisconnected)

	delete(s.suppliers, id)
	delete(s.networks, sup.network.netID)
	s.order = slices.DeleteFunc(s.order, func(x uint32) bool { return x == id })
	s.metrics.ForgetSupplier(id, sup.netType.String(), sup.ident)
	s.logger.Info("supplier unregistered", "supplier", id, "net_id", sup.network.netID)

	s.findBestNetworkForAllRequest()
	return teardownErr
}

// RegisterNetSupplierCallback installs the controller used to bring the
// supplier up or down and retries requests that are still unserved.
func (s *Service) RegisterNetSupplierCallback(id uint32, ctrl SupplierController) error {
	s.lock()
	defer s.unlock()

	sup, err := s.supplier(id)
	if err != nil {
		return err
	}
	sup.ctrl = &ctrl
	s.findBestNetworkForAllRequest()
	return nil
}

// UpdateNetSupplierInfo applies radio-level info. Losing availability
// notifies every request the supplier served.
func (s *Service) UpdateNetSupplierInfo(id uint32, info SupplierInfo) error {
	s.lock()
	defer s.unlock()

	sup, err := s.supplier(id)
	if err != nil {
		return err
	}
	lost, err := sup.UpdateNetSupplierInfo(info)
	if lost {
		s.loseBest(sup)
	}
	s.recordSupplier(sup)
	s.findBestNetworkForAllRequest()
	return err
}

// UpdateNetCapabilities replaces the capabilities of a supplier.
func (s *Service) UpdateNetCapabilities(id uint32, caps Capabilities) error {
	s.lock()
	defer s.unlock()

	sup, err := s.supplier(id)
	if err != nil {
		return err
	}
	sup.caps = caps
	netID := sup.network.netID
	for _, rid := range sup.bestRequests() {
		if req, ok := s.requests[rid]; ok {
			s.notifyCaps(req, netID, caps)
		}
	}
	if err := sup.updateScore(); err != nil {
		return err
	}
	s.recordSupplier(sup)
	s.findBestNetworkForAllRequest()
	return nil
}

// UpdateNetLinkInfo applies layer 3 configuration to the supplier's network.
// On failure the supplier keeps its state and no callback fires, but the
// network keeps whatever part of the configuration was applied.
func (s *Service) UpdateNetLinkInfo(id uint32, link LinkInfo) error {
	s.lock()
	defer s.unlock()

	sup, err := s.supplier(id)
	if err != nil {
		return err
	}
	if err := sup.UpdateNetLinkInfo(link); err != nil {
		s.recordSupplier(sup)
		return err
	}
	netID := sup.network.netID
	applied := sup.network.Link()
	for _, rid := range sup.bestRequests() {
		if req, ok := s.requests[rid]; ok {
			s.notifyLink(req, netID, applied)
		}
	}
	if err := sup.updateScore(); err != nil {
		return err
	}
	s.recordSupplier(sup)
	s.findBestNetworkForAllRequest()
	return nil
}

// ActivateNetwork files a request. A connected match is bound before the
// call returns; otherwise matching suppliers are asked to connect. With a
// positive timeout an unserved request is dropped with NetUnavailable.
func (s *Service) ActivateNetwork(spec Specifier, cb *NetConnCallback, timeout time.Duration) (uint32, error) {
	if !spec.Type.Valid() {
		return 0, fmt.Errorf("%s: %w", spec.Type, errors.ErrInvalidNetworkType)
	}
	s.lock()
	defer s.unlock()

	s.lastRequestID++
	req := newNetActivate(s.lastRequestID, spec, cb)
	s.requests[req.id] = req
	s.metrics.ActiveRequests.Set(float64(len(s.requests) - 1))

	if best := s.findBestNetworkForRequest(req); best != nil {
		s.bind(req, best)
		return req.id, nil
	}
	s.sendRequestToAllNetwork(req)
	if timeout > 0 {
		id := req.id
		req.timer = s.clock.AfterFunc(timeout, func() { s.requestTimeout(id) })
	}
	return req.id, nil
}

func (s *Service) requestTimeout(id uint32) {
	s.lock()
	defer s.unlock()

	req, ok := s.requests[id]
	if !ok || req.best != 0 {
		return
	}
	req.timer = nil
	s.removeRequest(req)
	s.logger.Debug("request timed out", "request", id)
	if fn := req.cb.NetUnavailable; fn != nil {
		s.fire("unavailable", fn)
	}
}

// DeactivateNetwork withdraws a request from every supplier.
func (s *Service) DeactivateNetwork(id uint32) error {
	s.lock()
	defer s.unlock()

	req, ok := s.requests[id]
	if !ok || req.internal {
		return fmt.Errorf("request %d: %w", id, errors.ErrRequestNotFound)
	}
	s.removeRequest(req)
	return nil
}

func (s *Service) removeRequest(req *NetActivate) {
	req.stopTimer()
	if sup, ok := s.suppliers[req.best]; ok {
		sup.RemoveBestRequest(req.id)
	}
	req.best = 0
	for _, sid := range s.order {
		s.suppliers[sid].CancelRequest(req.id)
	}
	delete(s.requests, req.id)
	s.metrics.ActiveRequests.Set(float64(len(s.requests) - 1))
}

// findBestNetworkForRequest returns the connected matching supplier with the
// highest real score. Ties keep the supplier registered first.
func (s *Service) findBestNetworkForRequest(req *NetActivate) *NetSupplier {
	var best *NetSupplier
	for _, id := range s.order {
		sup := s.suppliers[id]
		if !sup.IsConnected() || !req.MatchRequestAndNetwork(sup) {
			continue
		}
		if best == nil || sup.realScore > best.realScore {
			best = sup
		}
	}
	return best
}

// findBestNetworkForAllRequest re-evaluates every request.
func (s *Service) findBestNetworkForAllRequest() {
	s.metrics.BestSweeps.Inc()
	for _, id := range requestIDs(s.requests) {
		req, ok := s.requests[id]
		if !ok {
			continue
		}
		best := s.findBestNetworkForRequest(req)
		if best == nil {
			if old, ok := s.suppliers[req.best]; ok {
				old.RemoveBestRequest(id)
				s.notifyLost(req, old.network.netID)
			}
			req.best = 0
			s.sendRequestToAllNetwork(req)
			if req == s.defaultReq {
				s.makeDefaultNetWork(nil)
			}
			continue
		}
		if req.best == best.id {
			if req == s.defaultReq && s.defaultSup != best {
				s.makeDefaultNetWork(best)
			}
			continue
		}
		s.bind(req, best)
	}
}

// requestIDs returns the ids in m in ascending order. The sweep mutates the
// map, so it iterates over this copy.
func requestIDs(m map[uint32]*NetActivate) []uint32 {
	ids := slices.Collect(maps.Keys(m))
	slices.Sort(ids)
	return ids
}

// bind makes best the supplier serving req.
func (s *Service) bind(req *NetActivate, best *NetSupplier) {
	if old, ok := s.suppliers[req.best]; ok {
		old.RemoveBestRequest(req.id)
	}
	req.best = best.id
	req.stopTimer()

	s.notifyAvailable(req, best)
	best.SelectAsBestNetwork(req.id)
	for _, id := range s.order {
		s.suppliers[id].ReceiveBestScore(req.id, best.realScore, best.id)
	}
	if req == s.defaultReq {
		s.makeDefaultNetWork(best)
	}
}

func (s *Service) sendRequestToAllNetwork(req *NetActivate) {
	for _, id := range s.order {
		sup := s.suppliers[id]
		if req.MatchRequestAndNetwork(sup) {
			sup.RequestToConnect(req.id)
		}
	}
}

// loseBest unbinds every request sup serves and tells their owners.
func (s *Service) loseBest(sup *NetSupplier) {
	netID := sup.network.netID
	for _, rid := range sup.bestRequests() {
		sup.RemoveBestRequest(rid)
		req, ok := s.requests[rid]
		if !ok || req.best != sup.id {
			continue
		}
		req.best = 0
		s.notifyLost(req, netID)
	}
}

// makeDefaultNetWork moves the default network to sup, or clears it when
// sup is nil. The daemon keeps a single default, so the previous network
// only drops its local flag.
func (s *Service) makeDefaultNetWork(sup *NetSupplier) {
	old := s.defaultSup
	if old == sup {
		return
	}
	var oldID, newID int32
	if old != nil {
		oldID = old.network.netID
	}

	if sup == nil {
		if err := old.network.ClearDefaultNetWorkNetId(); err != nil {
			s.logger.Warn("clear default network failed", "net_id", oldID, "error", err)
		}
	} else {
		newID = sup.network.netID
		if err := sup.network.SetDefaultNetWork(); err != nil {
			s.logger.Warn("set default network failed", "net_id", newID, "error", err)
			return
		}
		if old != nil {
			old.network.demote()
		}
	}
	s.defaultSup = sup

	s.logger.Info("default network", "old", oldID, "new", newID)
	s.metrics.DefaultNetID.Set(float64(newID))
	s.hub.EmitDefaultNet(oldID, newID)
}

func (s *Service) fire(kind string, fn func()) {
	s.metrics.CallbacksFired.WithLabelValues(kind).Inc()
	s.post(fn)
}

// notifyAvailable sends the first association triple in its fixed order.
func (s *Service) notifyAvailable(req *NetActivate, sup *NetSupplier) {
	netID := sup.network.netID
	if fn := req.cb.NetAvailable; fn != nil {
		s.fire("available", func() { fn(netID) })
	}
	s.notifyCaps(req, netID, sup.caps)
	s.notifyLink(req, netID, sup.network.Link())
}

func (s *Service) notifyCaps(req *NetActivate, netID int32, caps Capabilities) {
	if fn := req.cb.NetCapabilitiesChange; fn != nil {
		s.fire("capabilities", func() { fn(netID, caps) })
	}
}

func (s *Service) notifyLink(req *NetActivate, netID int32, link LinkInfo) {
	if fn := req.cb.NetConnectionPropertiesChange; fn != nil {
		s.fire("link", func() { fn(netID, link) })
	}
}

func (s *Service) notifyLost(req *NetActivate, netID int32) {
	if fn := req.cb.NetLost; fn != nil {
		s.fire("lost", func() { fn(netID) })
	}
}

func (s *Service) stateChanged(sup *NetSupplier, from, to ServiceState) {
	s.recordSupplier(sup)
	s.hub.EmitConnState(events.ConnStateData{
		SupplierID: sup.id,
		NetType:    sup.netType.String(),
		Ident:      sup.ident,
		From:       from.String(),
		To:         to.String(),
	})
}

func (s *Service) recordSupplier(sup *NetSupplier) {
	s.metrics.RecordSupplier(sup.id, sup.netType.String(), sup.ident, sup.realScore, int(sup.state))
}

// HandleDetectionResult feeds a validation result of a supplier's network
// back into scoring.
func (s *Service) HandleDetectionResult(supplierID uint32, rep detection.Report) {
	s.lock()
	defer s.unlock()

	sup, ok := s.suppliers[supplierID]
	if !ok || sup.network.netID != rep.NetID || !sup.network.created {
		s.logger.Debug("stale detection result", "supplier", supplierID, "net_id", rep.NetID)
		return
	}
	sup.setValid(rep.Valid())
	sup.network.handleReport(rep)
	s.recordSupplier(sup)
	s.findBestNetworkForAllRequest()
}

// HandleLinkChange re-validates networks whose interface changed state.
func (s *Service) HandleLinkChange(c monitor.Change) {
	if c.Type != monitor.LinkUp && c.Type != monitor.LinkDown {
		return
	}
	s.lock()
	defer s.unlock()

	for _, id := range s.order {
		n := s.suppliers[id].network
		if n.created && n.link.Iface == c.Iface {
			if err := n.StartNetDetection(); err != nil {
				s.logger.Debug("detection not restarted", "net_id", n.netID, "error", err)
			}
		}
	}
}

// GetDefaultNet returns the default netId, 0 when there is none.
func (s *Service) GetDefaultNet() (int32, error) {
	s.lock()
	defer s.unlock()
	if s.defaultSup == nil {
		return 0, nil
	}
	return s.defaultSup.network.netID, nil
}

// HasDefaultNet reports whether a default network is set.
func (s *Service) HasDefaultNet() bool {
	s.lock()
	defer s.unlock()
	return s.defaultSup != nil
}

// GetSpecificNet returns the connected networks of type t.
func (s *Service) GetSpecificNet(t NetType) ([]int32, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%s: %w", t, errors.ErrInvalidNetworkType)
	}
	s.lock()
	defer s.unlock()
	return s.connectedNets(func(sup *NetSupplier) bool { return sup.netType == t }), nil
}

// GetAllNets returns every connected network.
func (s *Service) GetAllNets() []int32 {
	s.lock()
	defer s.unlock()
	return s.connectedNets(func(*NetSupplier) bool { return true })
}

func (s *Service) connectedNets(keep func(*NetSupplier) bool) []int32 {
	ids := []int32{}
	for _, id := range s.order {
		sup := s.suppliers[id]
		if sup.IsConnected() && keep(sup) {
			ids = append(ids, sup.network.netID)
		}
	}
	slices.Sort(ids)
	return ids
}

// GetSpecificUidNet returns the network traffic of uid uses: a connected VPN
// when there is one, the default network otherwise. VPNs apply to every uid.
func (s *Service) GetSpecificUidNet(uid uint32) int32 {
	s.lock()
	defer s.unlock()
	for _, id := range s.order {
		sup := s.suppliers[id]
		if sup.netType == NetTypeVPN && sup.IsConnected() {
			return sup.network.netID
		}
	}
	if s.defaultSup != nil {
		return s.defaultSup.network.netID
	}
	return 0
}

// GetConnectionProperties returns the link configuration of netID.
func (s *Service) GetConnectionProperties(netID int32) (LinkInfo, error) {
	s.lock()
	defer s.unlock()
	n, _, err := s.network(netID)
	if err != nil {
		return LinkInfo{}, err
	}
	return n.Link(), nil
}

// GetNetCapabilities returns the capabilities of netID.
func (s *Service) GetNetCapabilities(netID int32) (Capabilities, error) {
	s.lock()
	defer s.unlock()
	_, sup, err := s.network(netID)
	if err != nil {
		return 0, err
	}
	return sup.caps, nil
}

// Nets returns a snapshot of every network in registration order.
func (s *Service) Nets() []NetDetail {
	s.lock()
	defer s.unlock()
	out := make([]NetDetail, 0, len(s.order))
	for _, id := range s.order {
		sup := s.suppliers[id]
		out = append(out, NetDetail{
			NetID:      sup.network.netID,
			SupplierID: sup.id,
			Type:       sup.netType,
			Ident:      sup.ident,
			Caps:       sup.caps,
			State:      sup.state,
			Score:      sup.score,
			RealScore:  sup.realScore,
			Valid:      sup.valid,
			Default:    sup.network.isDefault,
			Link:       sup.network.Link(),
		})
	}
	return out
}

// BindSocket routes fd through netID.
func (s *Service) BindSocket(fd int, netID int32) error {
	s.lock()
	n, _, err := s.network(netID)
	created := err == nil && n.created
	s.unlock()
	if err != nil {
		return err
	}
	if !created {
		return errors.Errorf(errors.KindUnavailable, "net %d is not up", netID)
	}
	if err := s.ctl.BindSocket(fd, netID); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "bind socket to net %d", netID)
	}
	return nil
}

// NetDetection re-validates netID now.
func (s *Service) NetDetection(netID int32) error {
	s.lock()
	defer s.unlock()
	n, _, err := s.network(netID)
	if err != nil {
		return err
	}
	return n.StartNetDetection()
}

// RegisterNetDetectionCallback subscribes cb to validation results of netID
// and returns a handle for unregistering it.
func (s *Service) RegisterNetDetectionCallback(netID int32, cb DetectionCallback) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("nil detection callback: %w", errors.ErrInvalidParameter)
	}
	s.lock()
	defer s.unlock()
	n, _, err := s.network(netID)
	if err != nil {
		return "", err
	}
	return n.RegisterDetectionCallback(cb), nil
}

// UnregisterNetDetectionCallback removes a callback added with
// RegisterNetDetectionCallback.
func (s *Service) UnregisterNetDetectionCallback(netID int32, handle string) error {
	s.lock()
	defer s.unlock()
	n, _, err := s.network(netID)
	if err != nil {
		return err
	}
	if !n.UnregisterDetectionCallback(handle) {
		return fmt.Errorf("detection callback %s: %w", handle, errors.ErrInvalidParameter)
	}
	return nil
}

// Close stops request timers and validation. Kernel state is left in place.
func (s *Service) Close() {
	s.lock()
	defer s.unlock()
	for _, req := range s.requests {
		req.stopTimer()
	}
	for _, n := range s.networks {
		n.stopDetection()
	}
}
