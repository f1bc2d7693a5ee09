// Package metrics exposes connection manager and traffic metrics to prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/netconn/internal/logging"
)

const namespace = "netconn"

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all netconn metrics on its own prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Connection manager
	SupplierScore   *prometheus.GaugeVec
	SupplierState   *prometheus.GaugeVec
	DefaultNetID    prometheus.Gauge
	ActiveRequests  prometheus.Gauge
	BestSweeps      prometheus.Counter
	CallbacksFired  *prometheus.CounterVec
	DetectionResult *prometheus.CounterVec

	// Daemon
	DaemonCalls   *prometheus.CounterVec
	DaemonErrors  *prometheus.CounterVec
	DaemonLatency *prometheus.HistogramVec

	// Traffic
	IfaceRxBytes  *prometheus.GaugeVec
	IfaceTxBytes  *prometheus.GaugeVec
	UIDRxBytes    *prometheus.GaugeVec
	UIDTxBytes    *prometheus.GaugeVec
	StatsRefresh  *prometheus.CounterVec
	CounterResets *prometheus.CounterVec
}

// Get returns the process-wide registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry()
	})
	return registry
}

// OrGet returns r, or the process-wide registry when r is nil.
func OrGet(r *Registry) *Registry {
	if r == nil {
		return Get()
	}
	return r
}

// NewRegistry creates an isolated registry. Tests use one per case.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.SupplierScore = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supplier_real_score",
		Help:      "Supplier score after the validation penalty",
	}, []string{"supplier_id", "type", "ident"})

	r.SupplierState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "supplier_state",
		Help:      "Supplier service state as its numeric value",
	}, []string{"supplier_id", "type", "ident"})

	r.DefaultNetID = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "default_net_id",
		Help:      "netId of the current default network, 0 when none",
	})

	r.ActiveRequests = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_requests",
		Help:      "Outstanding connectivity requests",
	})

	r.BestSweeps = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "best_network_sweeps_total",
		Help:      "Best-network selection sweeps",
	})

	r.CallbacksFired = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_total",
		Help:      "Request callbacks dispatched by type",
	}, []string{"type"})

	r.DetectionResult = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detection_results_total",
		Help:      "Connectivity validation outcomes",
	}, []string{"result"})

	r.DaemonCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "netd_calls_total",
		Help:      "Calls handled by the network daemon",
	}, []string{"method"})

	r.DaemonErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "netd_errors_total",
		Help:      "Failed network daemon calls",
	}, []string{"method"})

	r.DaemonLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "netd_call_duration_seconds",
		Help:      "Network daemon call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	r.IfaceRxBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "iface_rx_bytes",
		Help:      "Last sampled interface receive counter",
	}, []string{"iface"})

	r.IfaceTxBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "iface_tx_bytes",
		Help:      "Last sampled interface transmit counter",
	}, []string{"iface"})

	r.UIDRxBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uid_rx_bytes",
		Help:      "Last sampled per-uid receive counter",
	}, []string{"uid", "iface"})

	r.UIDTxBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uid_tx_bytes",
		Help:      "Last sampled per-uid transmit counter",
	}, []string{"uid", "iface"})

	r.StatsRefresh = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stats_refresh_total",
		Help:      "Traffic counter refresh runs",
	}, []string{"status"})

	r.CounterResets = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stats_counter_resets_total",
		Help:      "Counter resets seen while summing traffic windows",
	}, []string{"kind"})

	return r
}

// WithProcessCollectors adds the go runtime and process collectors.
func (r *Registry) WithProcessCollectors() *Registry {
	r.reg.MustRegister(collectors.NewGoCollector())
	r.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordSupplier updates the per-supplier gauges.
func (r *Registry) RecordSupplier(id uint32, netType, ident string, realScore, state int) {
	labels := []string{strconv.FormatUint(uint64(id), 10), netType, ident}
	r.SupplierScore.WithLabelValues(labels...).Set(float64(realScore))
	r.SupplierState.WithLabelValues(labels...).Set(float64(state))
}

// ForgetSupplier drops the per-supplier series.
func (r *Registry) ForgetSupplier(id uint32, netType, ident string) {
	labels := []string{strconv.FormatUint(uint64(id), 10), netType, ident}
	r.SupplierScore.DeleteLabelValues(labels...)
	r.SupplierState.DeleteLabelValues(labels...)
}

// RecordDaemonCall records one daemon call outcome.
func (r *Registry) RecordDaemonCall(method string, start time.Time, err error) {
	r.DaemonCalls.WithLabelValues(method).Inc()
	r.DaemonLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		r.DaemonErrors.WithLabelValues(method).Inc()
	}
}

// RecordIface records the latest interface counters.
func (r *Registry) RecordIface(iface string, rx, tx uint64) {
	r.IfaceRxBytes.WithLabelValues(iface).Set(float64(rx))
	r.IfaceTxBytes.WithLabelValues(iface).Set(float64(tx))
}

// RecordUID records the latest per-uid counters.
func (r *Registry) RecordUID(uid uint32, iface string, rx, tx uint64) {
	u := strconv.FormatUint(uint64(uid), 10)
	r.UIDRxBytes.WithLabelValues(u, iface).Set(float64(rx))
	r.UIDTxBytes.WithLabelValues(u, iface).Set(float64(tx))
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, listen string, logger *logging.Logger) error {
	logger = logging.OrDefault(logger).WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
