// Package gateway serves the tool lifecycle, draft lock, sandbox and
// production interaction commands over HTTP, and streams tool events to
// websocket clients.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cordum/toolforge/core/executor"
	"github.com/cordum/toolforge/core/infra/bus"
	"github.com/cordum/toolforge/core/infra/config"
	"github.com/cordum/toolforge/core/infra/locks"
	"github.com/cordum/toolforge/core/infra/logging"
	infraMetrics "github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/infra/schema"
	"github.com/cordum/toolforge/core/store"
	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/draftlock"
	"github.com/cordum/toolforge/core/tool/interact"
	"github.com/cordum/toolforge/core/tool/lifecycle"
	"github.com/cordum/toolforge/core/tool/sessions"
	"github.com/cordum/toolforge/core/tool/snapshots"
)

const (
	metricsNamespace = "toolforge"
	eventBuffer      = 256
	clientBuffer     = 64
	shutdownTimeout  = 10 * time.Second
	reaperLease      = "snapshot-reaper"
)

// EventBus is what the gateway needs from the event transport: the
// services publish on it and the websocket stream taps it.
type EventBus interface {
	tool.EventPublisher
	Subscribe(subject string, handler func(tool.Event)) (func(), error)
}

// Services are the command handlers the gateway fronts.
type Services struct {
	Lifecycle  *lifecycle.Service
	Locks      *draftlock.Service
	Sessions   *sessions.Service
	Sandbox    *interact.Sandbox
	Production *interact.Production
}

// NewServices wires every command service over one store, executor and
// event bus, with the limits taken from policy.
func NewServices(st tool.Store, exec tool.Executor, events tool.EventPublisher, m infraMetrics.Metrics, policy *config.Policy) Services {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if m == nil {
		m = infraMetrics.Noop{}
	}
	schemas := schema.NewCache()
	interactOpts := []interact.Option{
		interact.WithEvents(events),
		interact.WithMetrics(m),
		interact.WithSchemaCache(schemas),
		interact.WithExecutorTimeout(policy.ExecutorTimeout()),
		interact.WithSnapshotTTL(policy.SnapshotTTL()),
		interact.WithMaxSnapshotBytes(policy.MaxSnapshotBytes),
	}
	return Services{
		Lifecycle: lifecycle.New(st,
			lifecycle.WithEvents(events),
			lifecycle.WithMetrics(m),
			lifecycle.WithLockTTL(policy.DraftLockTTL()),
		),
		Locks: draftlock.New(st,
			draftlock.WithEvents(events),
			draftlock.WithMetrics(m),
			draftlock.WithTTL(policy.DraftLockTTL()),
		),
		Sessions: sessions.New(st,
			sessions.WithMetrics(m),
			sessions.WithValidator(schemas),
			sessions.WithChatTTL(policy.ChatHistoryTTL()),
		),
		Sandbox:    interact.NewSandbox(st, exec, interactOpts...),
		Production: interact.NewProduction(st, exec, interactOpts...),
	}
}

type server struct {
	svc     Services
	events  EventBus
	auth    AuthProvider
	metrics infraMetrics.GatewayMetrics
	started time.Time

	clientsMu sync.RWMutex
	clients   map[*streamClient]struct{}
	eventsCh  chan tool.Event
}

func newServer(svc Services, events EventBus, auth AuthProvider, m infraMetrics.GatewayMetrics) *server {
	if m == nil {
		m = infraMetrics.Noop{}
	}
	return &server{
		svc:      svc,
		events:   events,
		auth:     auth,
		metrics:  m,
		started:  time.Now().UTC(),
		clients:  make(map[*streamClient]struct{}),
		eventsCh: make(chan tool.Event, eventBuffer),
	}
}

// NewHandler returns the API handler and a stop function that detaches the
// websocket stream from the bus.
func NewHandler(svc Services, events EventBus, auth AuthProvider, m infraMetrics.GatewayMetrics) (http.Handler, func()) {
	s := newServer(svc, events, auth, m)
	stop := s.startBusTaps()
	return s.routes(), stop
}

// Run connects the store, bus and executor named in cfg, then serves the
// API and reaps expired snapshots until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, policy *config.Policy) error {
	if cfg == nil {
		cfg = config.Load()
	}
	if policy == nil {
		policy = config.DefaultPolicy()
	}

	st, err := store.Open(ctx, cfg, policy)
	if err != nil {
		return err
	}
	defer st.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	m := infraMetrics.NewProm(metricsNamespace)
	exec := executor.NewLimited(
		executor.NewNATSClient(natsBus.Conn(), cfg.ExecutorSubject),
		policy.ExecutorConcurrency,
	)
	svc := NewServices(st, exec, natsBus, m, policy)

	reaperOpts := []snapshots.Option{snapshots.WithTTL(policy.SnapshotTTL()), snapshots.WithMetrics(m)}
	if cfg.StoreDriver == config.DriverRedis {
		leases, err := locks.NewRedisStore(ctx, cfg.RedisURL, store.RedisTLS(cfg))
		if err != nil {
			return fmt.Errorf("connect lease store: %w", err)
		}
		defer leases.Close()
		leader := locks.NewLeader(leases, reaperLease, replicaID(), 3*cfg.ReapInterval)
		defer func() {
			// ctx is already done here.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = leader.Resign(rctx)
		}()
		reaperOpts = append(reaperOpts, snapshots.WithLeader(leader))
	}
	reaper := snapshots.New(st, reaperOpts...)

	s := newServer(svc, natsBus, NewBasicAuthProvider(cfg.APIKeys), infraMetrics.NewGatewayProm(metricsNamespace))
	stop := s.startBusTaps()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.RunReaper(gctx, cfg.ReapInterval) })
	g.Go(func() error { return s.serve(gctx, cfg.HTTPAddr, cfg.MetricsAddr) })
	return g.Wait()
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()
}

// serve runs the API and metrics listeners until ctx is done, then shuts
// both down.
func (s *server) serve(ctx context.Context, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	apiSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("api-gateway", "http listening", "addr", httpAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("api-gateway", "http shutdown", "error", err)
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("api-gateway", "metrics shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// Catalog and versions
	mux.HandleFunc("POST /api/v1/tools", s.instrumented("/api/v1/tools", s.handleCreateTool))
	mux.HandleFunc("GET /api/v1/tools/{id}", s.instrumented("/api/v1/tools/{id}", s.handleGetTool))
	mux.HandleFunc("GET /api/v1/tools/{id}/versions", s.instrumented("/api/v1/tools/{id}/versions", s.handleListVersions))
	mux.HandleFunc("POST /api/v1/tools/{id}/drafts", s.instrumented("/api/v1/tools/{id}/drafts", s.handleCreateDraft))
	mux.HandleFunc("POST /api/v1/tools/{id}/drafts/{version_id}/save", s.instrumented("/api/v1/tools/{id}/drafts/{version_id}/save", s.handleSaveDraft))
	mux.HandleFunc("GET /api/v1/versions/{id}", s.instrumented("/api/v1/versions/{id}", s.handleGetVersion))
	mux.HandleFunc("POST /api/v1/versions/{id}/submit", s.instrumented("/api/v1/versions/{id}/submit", s.handleSubmit))
	mux.HandleFunc("POST /api/v1/versions/{id}/publish", s.instrumented("/api/v1/versions/{id}/publish", s.handlePublish))
	mux.HandleFunc("POST /api/v1/versions/{id}/request-changes", s.instrumented("/api/v1/versions/{id}/request-changes", s.handleRequestChanges))
	mux.HandleFunc("POST /api/v1/versions/{id}/rollback", s.instrumented("/api/v1/versions/{id}/rollback", s.handleRollback))

	// Draft lock
	mux.HandleFunc("GET /api/v1/tools/{id}/lock", s.instrumented("/api/v1/tools/{id}/lock", s.handleGetLock))
	mux.HandleFunc("POST /api/v1/tools/{id}/lock", s.instrumented("/api/v1/tools/{id}/lock", s.handleAcquireLock))
	mux.HandleFunc("DELETE /api/v1/tools/{id}/lock", s.instrumented("/api/v1/tools/{id}/lock", s.handleReleaseLock))

	// Sandbox and production interaction
	mux.HandleFunc("POST /api/v1/tools/{id}/sandbox/runs", s.instrumented("/api/v1/tools/{id}/sandbox/runs", s.handleRunSandbox))
	mux.HandleFunc("POST /api/v1/tools/{id}/sandbox/actions", s.instrumented("/api/v1/tools/{id}/sandbox/actions", s.handleSandboxAction))
	mux.HandleFunc("POST /api/v1/tools/{id}/runs", s.instrumented("/api/v1/tools/{id}/runs", s.handleProductionAction))
	mux.HandleFunc("GET /api/v1/tools/{id}/runs", s.instrumented("/api/v1/tools/{id}/runs", s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.instrumented("/api/v1/runs/{id}", s.handleGetRun))

	// Sessions and settings
	mux.HandleFunc("GET /api/v1/tools/{id}/settings", s.instrumented("/api/v1/tools/{id}/settings", s.handleResolveSettings))
	mux.HandleFunc("PUT /api/v1/tools/{id}/settings", s.instrumented("/api/v1/tools/{id}/settings", s.handleSaveSettings))
	mux.HandleFunc("GET /api/v1/tools/{id}/sessions/{context}", s.instrumented("/api/v1/tools/{id}/sessions/{context}", s.handleGetSession))
	mux.HandleFunc("DELETE /api/v1/tools/{id}/sessions/{context}", s.instrumented("/api/v1/tools/{id}/sessions/{context}", s.handleClearSession))

	// Event stream (WebSocket)
	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))
	mux.HandleFunc("/api/v1/tools/{id}/stream", s.instrumented("/api/v1/tools/{id}/stream", s.handleStream))

	return corsMiddleware(apiKeyMiddleware(s.auth, mux))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	natsConnected := false
	natsStatus := "LOCAL"
	if nb, ok := s.events.(*bus.NatsBus); ok {
		natsConnected = nb.IsConnected()
		natsStatus = nb.Status()
	}
	s.clientsMu.RLock()
	streams := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
		},
		"stream_clients": streams,
	})
}

func isAPIPath(path string) bool { return strings.HasPrefix(path, "/api/") }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-Id, X-User-Role")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, statusText(rec.status), time.Since(start).Seconds())
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(*http.Request) bool { return true },
	Subprotocols: []string{wsAPIKeyProtocol},
}
