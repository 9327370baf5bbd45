// Package metrics wires the server's runtime state into Prometheus,
// following the teacher's promauto registration style: one struct
// holding every collector, constructed once at startup, with small
// recording methods guarding a nil receiver so metrics can be
// passed around and called without every caller checking for one.
package metrics

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Metrics holds every Prometheus collector the server records against.
type Metrics struct {
	rpcCallsTotal    *prometheus.CounterVec
	rpcErrorsTotal   *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	devicesOpen prometheus.Gauge

	streamsActive      *prometheus.GaugeVec // by direction
	streamBytesTotal   *prometheus.CounterVec
	streamElemsTotal   *prometheus.CounterVec
	streamDroppedTotal *prometheus.CounterVec // out-of-order/dropped records, by direction
	streamOverflows    *prometheus.CounterVec // AcquireRecv-on-full-ring events

	discoveryServersKnown prometheus.Gauge

	logForwardSubscribers prometheus.Gauge

	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
	cpuCores         prometheus.Gauge

	pushesTotal    prometheus.Counter
	pushSuccesses  prometheus.Counter
	pushFailures   prometheus.Counter
	lastPushUnixTs prometheus.Gauge
}

// New constructs and registers every collector against the default
// Prometheus registry — call once per process, the way promauto.New*
// always registers globally.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer is New but against an explicit registerer, so tests
// can pass a fresh prometheus.NewRegistry() instead of colliding with
// other tests' collectors on the global default registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		rpcCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_rpc_calls_total",
				Help: "Total RPC calls handled, by call name.",
			},
			[]string{"call"},
		),
		rpcErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_rpc_errors_total",
				Help: "Total RPC calls that returned an exception frame, by call name.",
			},
			[]string{"call"},
		),
		rpcCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soapyremote_rpc_call_duration_seconds",
				Help:    "RPC call handling latency.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"call"},
		),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_connections_active",
			Help: "Currently open control connections.",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "soapyremote_connections_total",
			Help: "Total control connections accepted.",
		}),
		devicesOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_devices_open",
			Help: "Currently open device handles.",
		}),
		streamsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "soapyremote_streams_active",
				Help: "Currently active streams, by direction.",
			},
			[]string{"direction"},
		),
		streamBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_stream_bytes_total",
				Help: "Total sample bytes transferred, by direction.",
			},
			[]string{"direction"},
		),
		streamElemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_stream_elements_total",
				Help: "Total sample elements transferred, by direction.",
			},
			[]string{"direction"},
		),
		streamDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_stream_dropped_records_total",
				Help: "Total records lost to sequence gaps, by direction.",
			},
			[]string{"direction"},
		),
		streamOverflows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soapyremote_stream_ring_overflow_total",
				Help: "Total AcquireRecv/AcquireSend calls that found the ring full, by direction.",
			},
			[]string{"direction"},
		),
		discoveryServersKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_discovery_servers_known",
			Help: "Distinct server UUIDs currently known to the discovery registry.",
		}),
		logForwardSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_logforward_subscribers",
			Help: "Currently subscribed log-forwarding clients.",
		}),
		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_goroutines",
			Help: "Current number of goroutines.",
		}),
		memoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_memory_alloc_bytes",
			Help: "Current heap bytes allocated.",
		}),
		gcPauseSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_gc_pause_seconds",
			Help: "Duration of the most recent garbage collection pause.",
		}),
		cpuCores: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_host_cpu_cores",
			Help: "CPU cores reported by the host, summed across sockets.",
		}),
		pushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "soapyremote_pushgateway_pushes_total",
			Help: "Total push attempts to the Pushgateway.",
		}),
		pushSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "soapyremote_pushgateway_success_total",
			Help: "Successful pushes to the Pushgateway.",
		}),
		pushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "soapyremote_pushgateway_failures_total",
			Help: "Failed pushes to the Pushgateway.",
		}),
		lastPushUnixTs: f.NewGauge(prometheus.GaugeOpts{
			Name: "soapyremote_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful Pushgateway push.",
		}),
	}
	m.cpuCores.Set(float64(hostCPUCores()))
	return m
}

// hostCPUCores sums cores across all reported CPUs/sockets, the same way
// the teacher's NewLoadHistoryTracker derives its core count from
// cpu.Info(). A failed probe (unsupported platform, permissions) just
// leaves the gauge at zero rather than failing startup.
func hostCPUCores() int {
	info, err := cpu.Info()
	if err != nil {
		return 0
	}
	cores := 0
	for _, c := range info {
		cores += int(c.Cores)
	}
	return cores
}

func (m *Metrics) RecordRPCCall(call string, duration time.Duration, isErr bool) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(call).Inc()
	m.rpcCallDuration.WithLabelValues(call).Observe(duration.Seconds())
	if isErr {
		m.rpcErrorsTotal.WithLabelValues(call).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) DeviceOpened() {
	if m == nil {
		return
	}
	m.devicesOpen.Inc()
}

func (m *Metrics) DeviceClosed() {
	if m == nil {
		return
	}
	m.devicesOpen.Dec()
}

func (m *Metrics) StreamOpened(direction string) {
	if m == nil {
		return
	}
	m.streamsActive.WithLabelValues(direction).Inc()
}

func (m *Metrics) StreamClosed(direction string) {
	if m == nil {
		return
	}
	m.streamsActive.WithLabelValues(direction).Dec()
}

func (m *Metrics) RecordTransfer(direction string, bytes, elems int) {
	if m == nil {
		return
	}
	m.streamBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	m.streamElemsTotal.WithLabelValues(direction).Add(float64(elems))
}

func (m *Metrics) RecordDroppedRecords(direction string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.streamDroppedTotal.WithLabelValues(direction).Add(float64(count))
}

func (m *Metrics) RecordRingOverflow(direction string) {
	if m == nil {
		return
	}
	m.streamOverflows.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetDiscoveryServersKnown(n int) {
	if m == nil {
		return
	}
	m.discoveryServersKnown.Set(float64(n))
}

func (m *Metrics) SetLogForwardSubscribers(n int) {
	if m == nil {
		return
	}
	m.logForwardSubscribers.Set(float64(n))
}

// UpdateResourceMetrics samples runtime.MemStats and goroutine count.
// Call periodically from a ticker, the way the teacher's
// updateResourceMetrics does.
func (m *Metrics) UpdateResourceMetrics() {
	if m == nil {
		return
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(stats.Alloc))
	if stats.NumGC > 0 {
		m.gcPauseSeconds.Set(float64(stats.PauseNs[(stats.NumGC+255)%256]) / 1e9)
	}
}

// PushgatewayConfig configures the optional periodic push of this
// process's metrics to a Prometheus Pushgateway — useful for a
// short-lived or NAT-firewalled server that cannot be scraped directly.
type PushgatewayConfig struct {
	URL      string
	Job      string
	Instance string
	Username string
	Password string
	Interval time.Duration
}

// StartPushgatewayWorker starts a background ticker pushing metrics to
// cfg.URL until ctx is cancelled. A zero cfg.URL disables the worker.
func (m *Metrics) StartPushgatewayWorker(ctx context.Context, cfg PushgatewayConfig) {
	if m == nil || cfg.URL == "" {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	push := func() {
		m.pushesTotal.Inc()
		if err := m.pushOnce(cfg); err != nil {
			m.pushFailures.Inc()
			return
		}
		m.pushSuccesses.Inc()
		m.lastPushUnixTs.Set(float64(time.Now().Unix()))
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				push()
			}
		}
	}()
}

func (m *Metrics) pushOnce(cfg PushgatewayConfig) error {
	pusher := push.New(cfg.URL, cfg.Job).Gatherer(prometheus.DefaultGatherer)
	if cfg.Username != "" {
		pusher = pusher.BasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.Instance != "" {
		pusher = pusher.Grouping("instance", cfg.Instance)
	}
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("metrics: pushgateway push: %w", err)
	}
	return nil
}
