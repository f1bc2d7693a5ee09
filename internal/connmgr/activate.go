package connmgr

import (
	"grimm.is/netconn/internal/clock"
)

// NetActivate is one outstanding connectivity request.
type NetActivate struct {
	id   uint32
	spec Specifier
	cb   *NetConnCallback

	// best is the supplier currently serving the request, 0 if none.
	best uint32

	// internal marks the default network request, which never binds VPNs.
	internal bool
	timer    clock.Timer
}

func newNetActivate(id uint32, spec Specifier, cb *NetConnCallback) *NetActivate {
	if cb == nil {
		cb = &NetConnCallback{}
	}
	return &NetActivate{id: id, spec: spec, cb: cb}
}

// ID returns the request id.
func (a *NetActivate) ID() uint32 { return a.id }

// Specifier returns what the request asked for.
func (a *NetActivate) Specifier() Specifier { return a.spec }

// MatchRequestAndNetwork reports whether s satisfies the request: the ident
// filter, the capability set and the type must all match, with empty filters
// and NetTypeUnknown acting as wildcards.
func (a *NetActivate) MatchRequestAndNetwork(s *NetSupplier) bool {
	if s == nil {
		return false
	}
	if a.spec.Ident != "" && a.spec.Ident != s.ident {
		return false
	}
	if !s.caps.Has(a.spec.Caps) {
		return false
	}
	if a.spec.Type != NetTypeUnknown && a.spec.Type != s.netType {
		return false
	}
	if a.internal && s.netType == NetTypeVPN {
		return false
	}
	return true
}

func (a *NetActivate) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
