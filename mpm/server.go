package mpm

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestEvent is published on every request a Server handles and carries
// the Finished channel the Child (C3) waits on to know when to decrement
// active-request counters.
type RequestEvent struct {
	ID       string
	Method   string
	Path     string
	Started  time.Time
	Finished chan struct{}
}

// Server is the "HTTP Server contract" external collaborator from spec §6:
// the Manager never parses requests or routes itself, it only drives this
// interface. Configure/Run/GracefulStop mirror the spec's contract almost
// verbatim; RouteEvents/StopEvent replace the spec's callback-style events
// with Go channels, which is the idiomatic equivalent in this codebase.
type Server interface {
	Configure(cfg ServerConfig) error
	Run(ctx context.Context) error
	GracefulStop(ctx context.Context) error

	// RouteEvents fires once per accepted request.
	RouteEvents() <-chan RequestEvent
	// StopEvent fires exactly once, when GracefulStop has completed.
	StopEvent() <-chan struct{}
}

// ServerConfig is handed to Configure by the Child (C3) before Run.
type ServerConfig struct {
	Listener net.Listener
	Handler  http.Handler // optional; DefaultServer builds its own chi.Router if nil
}

// ServerFactory builds a Server for a worker. The Manager's default is
// NewDefaultServer; embedding programs may override it via
// ManagerOptions.ServerFactory (spec §6's server_factory collaborator).
type ServerFactory func(id WorkerID, log *zap.SugaredLogger) Server

// DefaultServer is the Manager's built-in HTTP Server implementation.
// Routing is backed by chi (github.com/go-chi/chi/v5) rather than a bare
// http.ServeMux — see SPEC_FULL.md's DOMAIN STACK section — and every
// request through the built-in router is stamped with a google/uuid
// request id carried in its RouteEvents entry. A Handler supplied in
// ServerConfig is served as is and produces no route events.
type DefaultServer struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	routeCh  chan RequestEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDefaultServer is the default ServerFactory.
func NewDefaultServer(_ WorkerID, log *zap.SugaredLogger) Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DefaultServer{
		log:     log,
		routeCh: make(chan RequestEvent, 64),
		stopCh:  make(chan struct{}),
	}
}

func (s *DefaultServer) Configure(cfg ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ln = cfg.Listener

	handler := cfg.Handler
	if handler == nil {
		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(s.trackRequest)
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		handler = r
	}
	s.srv = &http.Server{Handler: handler}
	return nil
}

// trackRequest is chi middleware publishing a RequestEvent per request and
// closing its Finished channel when the handler returns — the Go shape of
// spec §4.8's "subscribes to the server's route event ... decrements on
// request finish".
func (s *DefaultServer) trackRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev := RequestEvent{
			ID:       uuid.NewString(),
			Method:   r.Method,
			Path:     r.URL.Path,
			Started:  time.Now(),
			Finished: make(chan struct{}),
		}
		select {
		case s.routeCh <- ev:
		default:
			s.log.Warnw("route event dropped, channel full", "path", ev.Path)
		}
		defer close(ev.Finished)
		next.ServeHTTP(w, r)
	})
}

func (s *DefaultServer) Run(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil || srv == nil {
		return nil
	}
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *DefaultServer) GracefulStop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	return err
}

func (s *DefaultServer) RouteEvents() <-chan RequestEvent { return s.routeCh }
func (s *DefaultServer) StopEvent() <-chan struct{}       { return s.stopCh }
