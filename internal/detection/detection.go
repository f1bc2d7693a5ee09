// Package detection validates that a network reaches the internet.
//
// Each network is probed when it comes up and then periodically: quickly
// while it is not valid, slowly once it is. Results are delivered to the
// callback the network registered and published on the event hub.
package detection

import (
	"context"
	"sync"
	"time"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
)

// Result is the outcome of a connectivity probe.
type Result int

const (
	ResultUnknown Result = iota
	ResultValid
	ResultInvalid
	ResultCaptivePortal
)

func (r Result) String() string {
	switch r {
	case ResultValid:
		return "valid"
	case ResultInvalid:
		return "invalid"
	case ResultCaptivePortal:
		return "captive_portal"
	default:
		return "unknown"
	}
}

// Target identifies the network to probe.
type Target struct {
	NetID int32
	Iface string
}

// Report is the result of one probe.
type Report struct {
	NetID       int32
	Result      Result
	RedirectURL string
	Method      string
	Latency     time.Duration
	CheckedAt   time.Time
}

// Valid reports whether the network passed validation.
func (r Report) Valid() bool { return r.Result == ResultValid }

// Prober runs a single probe.
type Prober interface {
	Probe(ctx context.Context, t Target) Report
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t Target) Report

func (f ProberFunc) Probe(ctx context.Context, t Target) Report { return f(ctx, t) }

// AlwaysValid is used when detection is disabled.
var AlwaysValid = ProberFunc(func(_ context.Context, t Target) Report {
	return Report{NetID: t.NetID, Result: ResultValid, Method: "none"}
})

// Config holds probe scheduling.
type Config struct {
	Timeout         time.Duration
	RecheckInterval time.Duration
	ValidInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 10 * time.Second
	}
	if c.ValidInterval <= 0 {
		c.ValidInterval = 5 * time.Minute
	}
	return c
}

type netState struct {
	target Target
	cb     func(Report)
	gen    uint64
	timer  clock.Timer
	last   Report
}

// Detector schedules probes per network.
type Detector struct {
	prober  Prober
	cfg     Config
	clock   clock.Clock
	hub     *events.Hub
	metrics *metrics.Registry
	logger  *logging.Logger

	mu     sync.Mutex
	nets   map[int32]*netState
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Detector.
type Option func(*Detector)

func WithClock(c clock.Clock) Option { return func(d *Detector) { d.clock = c } }

func WithHub(h *events.Hub) Option { return func(d *Detector) { d.hub = h } }

func WithMetrics(r *metrics.Registry) Option { return func(d *Detector) { d.metrics = r } }

func WithLogger(l *logging.Logger) Option { return func(d *Detector) { d.logger = l } }

// New creates a detector. A nil prober treats every network as valid.
func New(prober Prober, cfg Config, opts ...Option) *Detector {
	if prober == nil {
		prober = AlwaysValid
	}
	d := &Detector{
		prober: prober,
		cfg:    cfg.withDefaults(),
		nets:   make(map[int32]*netState),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.clock = clock.OrReal(d.clock)
	d.metrics = metrics.OrGet(d.metrics)
	d.logger = logging.OrDefault(d.logger).WithComponent("detection")
	return d
}

// Start begins validating netID on iface and probes immediately. Calling it
// again for a running network updates the target and restarts the schedule.
func (d *Detector) Start(netID int32, iface string, cb func(Report)) {
	d.mu.Lock()
	st, ok := d.nets[netID]
	if !ok {
		st = &netState{}
		d.nets[netID] = st
	}
	st.target = Target{NetID: netID, Iface: iface}
	st.cb = cb
	gen := d.restart(st)
	d.mu.Unlock()

	d.launch(netID, gen)
}

// Trigger probes netID now. It reports false if netID is not being validated.
func (d *Detector) Trigger(netID int32) bool {
	d.mu.Lock()
	st, ok := d.nets[netID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	gen := d.restart(st)
	d.mu.Unlock()

	d.launch(netID, gen)
	return true
}

// Stop ends validation of netID. A probe in flight is discarded.
func (d *Detector) Stop(netID int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.nets[netID]; ok {
		d.restart(st)
		delete(d.nets, netID)
	}
}

// Last returns the latest report of netID.
func (d *Detector) Last(netID int32) (Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.nets[netID]
	if !ok || st.last.Result == ResultUnknown {
		return Report{}, false
	}
	return st.last, true
}

// Close stops every network and waits for probes in flight.
func (d *Detector) Close() {
	d.mu.Lock()
	d.closed = true
	for id, st := range d.nets {
		d.restart(st)
		delete(d.nets, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// restart invalidates pending work for st. Callers hold d.mu.
func (d *Detector) restart(st *netState) uint64 {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	return st.gen
}

func (d *Detector) launch(netID int32, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(netID, gen)
	}()
}

func (d *Detector) current(netID int32, gen uint64) (*netState, bool) {
	st, ok := d.nets[netID]
	return st, ok && st.gen == gen
}

func (d *Detector) run(netID int32, gen uint64) {
	d.mu.Lock()
	st, ok := d.current(netID, gen)
	if !ok {
		d.mu.Unlock()
		return
	}
	target := st.target
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	start := d.clock.Now()
	rep := d.prober.Probe(ctx, target)
	cancel()
	rep.NetID = netID
	if rep.Latency == 0 {
		rep.Latency = d.clock.Since(start)
	}
	rep.CheckedAt = d.clock.Now()

	d.mu.Lock()
	st, ok = d.current(netID, gen)
	if !ok {
		d.mu.Unlock()
		return
	}
	changed := st.last.Result != rep.Result
	st.last = rep
	delay := d.cfg.RecheckInterval
	if rep.Valid() {
		delay = d.cfg.ValidInterval
	}
	st.timer = d.clock.AfterFunc(delay, func() { d.launch(netID, gen) })
	cb := st.cb
	d.mu.Unlock()

	d.metrics.DetectionResult.WithLabelValues(rep.Result.String()).Inc()
	if changed {
		d.logger.Info("network validation", "net_id", netID, "iface", target.Iface,
			"result", rep.Result.String(), "method", rep.Method)
	}
	d.hub.EmitDetection(netID, rep.Result.String(), rep.RedirectURL)
	if cb != nil {
		cb(rep)
	}
}
