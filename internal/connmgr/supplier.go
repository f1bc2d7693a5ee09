package connmgr

import (
	"slices"

	"grimm.is/netconn/internal/logging"
)

// NetSupplier is one registered network provider and its connection state.
//
// Like Network it is owned by the Service and only touched under its lock.
type NetSupplier struct {
	id      uint32
	netType NetType
	ident   string
	caps    Capabilities

	info      SupplierInfo
	state     ServiceState
	score     int
	realScore int
	valid     bool
	network   *Network
	ctrl      *SupplierController
	requested bool

	// requests holds every request this supplier was asked to serve, best
	// the subset it currently serves.
	requests map[uint32]struct{}
	best     map[uint32]struct{}

	post    func(func())
	onState func(s *NetSupplier, from, to ServiceState)
	logger  *logging.Logger
}

func newNetSupplier(id uint32, t NetType, ident string, caps Capabilities, post func(func()), logger *logging.Logger) *NetSupplier {
	return &NetSupplier{
		id:       id,
		netType:  t,
		ident:    ident,
		caps:     caps,
		info:     SupplierInfo{Strength: WiFiMinRSSI},
		requests: make(map[uint32]struct{}),
		best:     make(map[uint32]struct{}),
		post:     post,
		logger:   logger,
	}
}

func (s *NetSupplier) ID() uint32             { return s.id }
func (s *NetSupplier) Type() NetType          { return s.netType }
func (s *NetSupplier) Ident() string          { return s.ident }
func (s *NetSupplier) Caps() Capabilities     { return s.caps }
func (s *NetSupplier) Info() SupplierInfo     { return s.info }
func (s *NetSupplier) State() ServiceState    { return s.state }
func (s *NetSupplier) Score() int             { return s.score }
func (s *NetSupplier) RealScore() int         { return s.realScore }
func (s *NetSupplier) IsNetValid() bool       { return s.valid }
func (s *NetSupplier) Network() *Network      { return s.network }
func (s *NetSupplier) IsAvailable() bool      { return s.info.Available }
func (s *NetSupplier) IsConnected() bool      { return s.state == StateConnected }
func (s *NetSupplier) IsConnecting() bool     { return s.state == StateConnecting || s.state == StateReady }
func (s *NetSupplier) bestRequests() []uint32 { return sortedKeys(s.best) }

func sortedKeys(m map[uint32]struct{}) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *NetSupplier) setState(to ServiceState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Info("supplier state", "supplier", s.id, "type", s.netType.String(), "ident", s.ident,
		"from", from.String(), "to", to.String())
	if s.onState != nil {
		s.onState(s, from, to)
	}
}

// updateScore recomputes the score from the type, signal and validity.
func (s *NetSupplier) updateScore() error {
	score, err := ServiceScore(s.netType, s.info.Strength)
	if err != nil {
		return err
	}
	s.score = score
	s.realScore = RealScore(score, s.valid)
	return nil
}

func (s *NetSupplier) setValid(valid bool) {
	s.valid = valid
	s.realScore = RealScore(s.score, valid)
}

// UpdateNetSupplierInfo applies info and reports whether the supplier lost
// availability. The physical network follows availability.
func (s *NetSupplier) UpdateNetSupplierInfo(info SupplierInfo) (lost bool, err error) {
	was := s.info.Available
	s.info = info
	switch {
	case was && !info.Available:
		lost = true
		s.requested = false
		s.setValid(false)
		err = s.network.UpdateBasicNetwork(false)
		s.setState(StateDisconnected)
	case !was && info.Available:
		if err = s.network.UpdateBasicNetwork(true); err != nil {
			s.setState(StateFailure)
		} else if !s.IsConnected() {
			s.setState(StateReady)
		}
	}
	if scoreErr := s.updateScore(); scoreErr != nil && err == nil {
		err = scoreErr
	}
	return lost, err
}

// UpdateNetLinkInfo pushes info to the network and marks the supplier
// connected once it is applied.
func (s *NetSupplier) UpdateNetLinkInfo(info LinkInfo) error {
	if err := s.network.UpdateNetLinkInfo(info); err != nil {
		if !s.network.created {
			s.setState(StateFailure)
		}
		return err
	}
	s.setState(StateConnected)
	return nil
}

// RequestToConnect records reqID and asks the controller to bring the
// connection up unless it already is. It reports false when the supplier
// has no controller.
func (s *NetSupplier) RequestToConnect(reqID uint32) bool {
	s.requests[reqID] = struct{}{}
	if s.IsConnected() || s.IsConnecting() || s.requested {
		return true
	}
	if s.ctrl == nil || s.ctrl.RequestNetwork == nil {
		return false
	}
	s.requested = true
	fn, ident, caps, id := s.ctrl.RequestNetwork, s.ident, s.caps, s.id
	logger := s.logger
	s.post(func() {
		if err := fn(ident, caps); err != nil {
			logger.Warn("request network failed", "supplier", id, "error", err)
		}
	})
	return true
}

// SelectAsBestNetwork records that this supplier serves reqID.
func (s *NetSupplier) SelectAsBestNetwork(reqID uint32) {
	s.requests[reqID] = struct{}{}
	s.best[reqID] = struct{}{}
}

// ReceiveBestScore tells the supplier which score won reqID. A supplier that
// was beaten drops the request and disconnects once nothing is left.
func (s *NetSupplier) ReceiveBestScore(reqID uint32, bestScore int, bestID uint32) {
	if s.id == bestID || bestScore <= s.realScore {
		return
	}
	delete(s.best, reqID)
	s.dropRequest(reqID)
}

// RemoveBestRequest stops serving reqID without releasing it.
func (s *NetSupplier) RemoveBestRequest(reqID uint32) {
	delete(s.best, reqID)
}

// CancelRequest forgets reqID entirely.
func (s *NetSupplier) CancelRequest(reqID uint32) {
	delete(s.best, reqID)
	s.dropRequest(reqID)
}

func (s *NetSupplier) dropRequest(reqID uint32) {
	if _, ok := s.requests[reqID]; !ok {
		return
	}
	delete(s.requests, reqID)
	if len(s.requests) == 0 {
		s.release()
	}
}

func (s *NetSupplier) release() {
	if !s.requested && !s.IsConnected() && !s.IsConnecting() {
		return
	}
	s.requested = false
	if s.ctrl == nil || s.ctrl.ReleaseNetwork == nil {
		return
	}
	fn, ident, caps, id := s.ctrl.ReleaseNetwork, s.ident, s.caps, s.id
	logger := s.logger
	s.post(func() {
		if err := fn(ident, caps); err != nil {
			logger.Warn("release network failed", "supplier", id, "error", err)
		}
	})
}
