package stats

import (
	"context"
	"slices"
	"time"

	"grimm.is/netconn/internal/clock"
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/netd"
)

// Source abstracts the daemon counters so tests can feed their own.
type Source interface {
	GetInterfaceNames() ([]string, error)
	GetIfaceStats(iface string) (netd.TrafficStats, error)
	GetUIDStats(uid uint32, iface string) (netd.TrafficStats, error)
}

// Collector samples every interface and tracked uid from a Source and
// appends the readings to a Store.
type Collector struct {
	src     Source
	store   *Store
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *logging.Logger
}

// NewCollector creates a collector writing into store.
func NewCollector(src Source, store *Store, c clock.Clock, m *metrics.Registry, logger *logging.Logger) *Collector {
	return &Collector{
		src:     src,
		store:   store,
		clock:   clock.OrReal(c),
		metrics: metrics.OrGet(m),
		logger:  logging.OrDefault(logger).WithComponent("stats-collector"),
	}
}

// Collect performs one sampling pass. Per-key read failures are logged and
// skipped; only a failure to list interfaces or to persist fails the pass.
func (c *Collector) Collect(ctx context.Context) error {
	err := c.collect(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.StatsRefresh.WithLabelValues(status).Inc()
	return err
}

func (c *Collector) collect(ctx context.Context) error {
	names, err := c.src.GetInterfaceNames()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "list interfaces")
	}
	for _, iface := range c.store.Ifaces() {
		if !slices.Contains(names, iface) {
			names = append(names, iface)
		}
	}
	now := c.clock.Now().Truncate(time.Second)

	ifaces := make(map[string]Sample, len(names))
	for _, iface := range names {
		if iface == "lo" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ts, err := c.src.GetIfaceStats(iface)
		if err != nil {
			c.logger.Debug("interface counters unavailable", "iface", iface, "error", err)
			continue
		}
		smp := Sample{Time: now, Rx: ts.RxBytes, Tx: ts.TxBytes}
		if last, ok := c.store.Last(iface); ok && restarted(last, smp) {
			c.logger.Info("interface counters reset", "iface", iface, "rx", smp.Rx, "last_rx", last.Rx)
			c.metrics.CounterResets.WithLabelValues("iface").Inc()
		}
		ifaces[iface] = smp
		c.metrics.RecordIface(iface, smp.Rx, smp.Tx)
	}

	uids := make(map[UIDKey]Sample)
	for _, key := range c.store.UIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ts, err := c.src.GetUIDStats(key.UID, key.Iface)
		if err != nil {
			c.logger.Debug("uid counters unavailable", "uid", key.UID, "iface", key.Iface, "error", err)
			continue
		}
		smp := Sample{Time: now, Rx: ts.RxBytes, Tx: ts.TxBytes}
		if last, ok := c.store.LastUID(key); ok && restarted(last, smp) {
			c.metrics.CounterResets.WithLabelValues("uid").Inc()
		}
		uids[key] = smp
		c.metrics.RecordUID(key.UID, key.Iface, smp.Rx, smp.Tx)
	}

	if err := c.store.AppendIface(ifaces); err != nil {
		return err
	}
	return c.store.AppendUID(uids)
}
