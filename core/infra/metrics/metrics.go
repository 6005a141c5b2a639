package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the lifecycle, lock, session and run paths.
type Metrics interface {
	// IncCommand counts a command outcome; code is "OK" or an error code.
	IncCommand(command, code string)
	IncSessionConflict(kind string)
	IncSnapshotRejected(reason string)
	IncExecutorUnavailable(runContext string)
	ObserveRun(runContext, status string, durationSeconds float64)
	IncSnapshotsPurged(n int)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncCommand(string, string)                      {}
func (Noop) IncSessionConflict(string)                      {}
func (Noop) IncSnapshotRejected(string)                     {}
func (Noop) IncExecutorUnavailable(string)                  {}
func (Noop) ObserveRun(string, string, float64)             {}
func (Noop) IncSnapshotsPurged(int)                         {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	commands            *prometheus.CounterVec
	sessionConflicts    *prometheus.CounterVec
	snapshotRejected    *prometheus.CounterVec
	executorUnavailable *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	snapshotsPurged     prometheus.Counter
	once                sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by name and result code",
		}, []string{"command", "code"}),
		sessionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cas_conflicts_total",
			Help:      "Session state compare-and-set losses by context kind",
		}, []string{"kind"}),
		snapshotRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_rejected_total",
			Help:      "Sandbox snapshots rejected before creation",
		}, []string{"reason"}),
		executorUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_unavailable_total",
			Help:      "Runs refused because the executor was at capacity",
		}, []string{"context"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Executor wall time by run context and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"context", "status"}),
		snapshotsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_purged_total",
			Help:      "Expired snapshots removed by the reaper",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.commands, p.sessionConflicts, p.snapshotRejected,
			p.executorUnavailable, p.runDuration, p.snapshotsPurged)
	})
}

func (p *Prom) IncCommand(command, code string) {
	p.commands.WithLabelValues(command, code).Inc()
}

func (p *Prom) IncSessionConflict(kind string) {
	p.sessionConflicts.WithLabelValues(kind).Inc()
}

func (p *Prom) IncSnapshotRejected(reason string) {
	p.snapshotRejected.WithLabelValues(reason).Inc()
}

func (p *Prom) IncExecutorUnavailable(runContext string) {
	p.executorUnavailable.WithLabelValues(runContext).Inc()
}

func (p *Prom) ObserveRun(runContext, status string, durationSeconds float64) {
	p.runDuration.WithLabelValues(runContext, status).Observe(durationSeconds)
}

func (p *Prom) IncSnapshotsPurged(n int) {
	if n > 0 {
		p.snapshotsPurged.Add(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
