package stats

import (
	"context"
	"fmt"
	"time"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/monitor"
	"grimm.is/netconn/internal/scheduler"
)

// Service is the traffic statistics API over a Store.
type Service struct {
	store     *Store
	collector *Collector
	logger    *logging.Logger
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *logging.Logger
}

// WithClock sets the clock used to stamp samples.
func WithClock(c clock.Clock) Option { return func(o *serviceOptions) { o.clock = c } }

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option { return func(o *serviceOptions) { o.metrics = r } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(o *serviceOptions) { o.logger = l } }

// NewService creates a Service sampling src into store. A nil src gives a
// read-only service.
func NewService(store *Store, src Source, opts ...Option) *Service {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)
	s := &Service{store: store, logger: logger.WithComponent("stats")}
	if src != nil {
		s.collector = NewCollector(src, store, o.clock, o.metrics, logger)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() *Store { return s.store }

// AddIface starts tracking iface.
func (s *Service) AddIface(iface string) error {
	return s.store.AddIface(iface)
}

// TrackUID starts sampling the traffic of uid on iface.
func (s *Service) TrackUID(uid uint32, iface string) error {
	if err := s.store.AddIface(iface); err != nil {
		return err
	}
	return s.store.AddUID(uid, iface)
}

// GetIfaceBytes returns the traffic of iface in the window.
func (s *Service) GetIfaceBytes(iface string, start, end time.Time) (Bytes, error) {
	return s.store.IfaceBytes(iface, start, end)
}

// GetUidBytes returns the traffic of uid on iface in the window.
func (s *Service) GetUidBytes(uid uint32, iface string, start, end time.Time) (Bytes, error) {
	return s.store.UIDBytes(uid, iface, start, end)
}

// GetUidTotalBytes returns the traffic of uid across every tracked
// interface. Interfaces without a window contribute nothing; if none has
// one the query fails.
func (s *Service) GetUidTotalBytes(uid uint32, start, end time.Time) (Bytes, error) {
	var keys []UIDKey
	for _, k := range s.store.UIDs() {
		if k.UID == uid {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Bytes{}, fmt.Errorf("uid %d is not tracked: %w", uid, errors.ErrInvalidParameter)
	}
	return sumWindows(len(keys), func(i int) (Bytes, error) {
		return s.store.UIDBytes(uid, keys[i].Iface, start, end)
	})
}

// GetAllIfaceBytes returns the traffic summed over every interface.
func (s *Service) GetAllIfaceBytes(start, end time.Time) (Bytes, error) {
	ifaces := s.store.Ifaces()
	return sumWindows(len(ifaces), func(i int) (Bytes, error) {
		return s.store.IfaceBytes(ifaces[i], start, end)
	})
}

func sumWindows(n int, get func(int) (Bytes, error)) (Bytes, error) {
	var total Bytes
	var firstErr error
	found := false
	for i := range n {
		b, err := get(i)
		if err != nil {
			if errors.GetKind(err) != errors.KindInternal {
				return Bytes{}, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		found = true
		total.Rx += b.Rx
		total.Tx += b.Tx
	}
	if !found {
		if firstErr == nil {
			firstErr = errors.New(errors.KindInternal, "no samples")
		}
		return Bytes{}, firstErr
	}
	return total, nil
}

// UpdateIfacesStats injects a corrected total for iface over a recorded
// window.
func (s *Service) UpdateIfacesStats(iface string, start, end time.Time, rx, tx int64) error {
	return s.store.UpdateIfacesStats(iface, start, end, rx, tx)
}

// Refresh samples every counter once.
func (s *Service) Refresh(ctx context.Context) error {
	if s.collector == nil {
		return errors.New(errors.KindUnavailable, "stats service has no counter source")
	}
	return s.collector.Collect(ctx)
}

// RefreshTask returns the periodic refresh task for the scheduler.
func (s *Service) RefreshTask(interval time.Duration) *scheduler.Task {
	return scheduler.NewStatsRefreshTask(s.Refresh, interval)
}

// HandleLinkChange is a monitor callback registering new interfaces.
func (s *Service) HandleLinkChange(c monitor.Change) {
	if c.Type != monitor.LinkAdded || c.Iface == "" || c.Iface == "lo" {
		return
	}
	if err := s.store.AddIface(c.Iface); err != nil {
		s.logger.Warn("track interface failed", "iface", c.Iface, "error", err)
	}
}
