// Package web exposes the engine over HTTP: liveness and readiness probes,
// Prometheus metrics, filterable audit exports in JSON and CSV, a websocket
// tail of committed events, and per-instance exposure snapshots. The server
// only reads; every mutation still goes through the orchestrator loop.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/state"
)

const (
	defaultExportLimit = 10_000
	shutdownGrace      = 5 * time.Second
)

// Journal is the ledger read surface the server serves. Satisfied by
// *ledger.Ledger.
type Journal interface {
	Read(ctx context.Context, f ledger.Filter) ([]domain.Event, error)
	Tail(ctx context.Context, fromSeq uint64) (<-chan domain.Event, func(), error)
}

// InstanceView is the per-instance read model behind /readyz and /snapshot.
// Satisfied by *orchestrator.Engine.
type InstanceView interface {
	Instance() string
	Frozen() (bool, string)
	Book() *state.Book
}

// Config carries the listener settings.
type Config struct {
	Addr string
	// ExportLimit caps one /events page. Zero means defaultExportLimit.
	ExportLimit int
}

// Server serves the monitoring and audit-export endpoints.
type Server struct {
	cfg       Config
	journal   Journal
	instances map[string]InstanceView
	log       *zap.Logger
}

// NewServer wires the read models into a server. The instance list may be
// empty for audit-only deployments; /readyz then reports ready immediately.
func NewServer(cfg Config, journal Journal, instances []InstanceView, log *zap.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("web: listen address is required")
	}
	if journal == nil {
		return nil, errors.New("web: journal is required")
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = defaultExportLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	byName := make(map[string]InstanceView, len(instances))
	for _, inst := range instances {
		byName[inst.Instance()] = inst
	}
	return &Server{cfg: cfg, journal: journal, instances: byName, log: log}, nil
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/healthz", s.handleHealth)
		r.Get("/readyz", s.handleReady)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/events", s.handleEvents)
		r.Get("/snapshot/{instance}", s.handleSnapshot)
	})

	// The websocket tail stays outside the timeout group, a live stream
	// has no natural request deadline.
	r.Get("/events/stream", s.handleStream)

	return r
}

// Start runs the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router(),
		// No blanket read or write timeout: the stream route holds its
		// connection open and sets per-message deadlines itself.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("web server listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once every instance has a seeded book. Probes
// pointed here keep traffic away until reconciliation has produced a genesis
// snapshot for each instance.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	for name, inst := range s.instances {
		book := inst.Book()
		if book == nil || book.Current() == nil {
			http.Error(w, "instance "+name+" is not seeded", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type snapshotResponse struct {
	Instance     string           `json:"instance"`
	Frozen       bool             `json:"frozen"`
	FrozenReason string           `json:"frozen_reason,omitempty"`
	Snapshot     *domain.Snapshot `json:"snapshot"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "instance")
	inst, ok := s.instances[name]
	if !ok {
		http.Error(w, "unknown instance "+name, http.StatusNotFound)
		return
	}
	book := inst.Book()
	if book == nil || book.Current() == nil {
		http.Error(w, "instance "+name+" is not seeded", http.StatusServiceUnavailable)
		return
	}
	frozen, reason := inst.Frozen()
	s.writeJSON(w, snapshotResponse{
		Instance:     name,
		Frozen:       frozen,
		FrozenReason: reason,
		Snapshot:     book.Current(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}
