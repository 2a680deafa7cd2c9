// Package server wires the relay's handlers, middleware, and shared state
// into one http.Handler and owns the draining surface used at shutdown.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vox-go/vox-relay/pkg/gateway/config"
	"github.com/vox-go/vox-relay/pkg/gateway/handlers"
	"github.com/vox-go/vox-relay/pkg/gateway/lifecycle"
	"github.com/vox-go/vox-relay/pkg/gateway/live/registry"
	"github.com/vox-go/vox-relay/pkg/gateway/live/sessions"
	"github.com/vox-go/vox-relay/pkg/gateway/metrics"
	"github.com/vox-go/vox-relay/pkg/gateway/mw"
	"github.com/vox-go/vox-relay/pkg/gateway/notify"
	"github.com/vox-go/vox-relay/pkg/gateway/store"
)

// Deps are the server's injected collaborators. Store and Provider are
// required. A nil Analyzer disables transcript analysis, a nil Metrics gets
// a fresh private registry, and a nil Dial uses the production upstream
// dialer.
type Deps struct {
	Store    store.Store
	Provider handlers.UpstreamProvider
	Analyzer handlers.TranscriptAnalyzer
	Metrics  *metrics.Metrics
	Dial     handlers.UpstreamDialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry     *registry.Registry
	hub          *notify.Hub
	store        store.Store
	provider     handlers.UpstreamProvider
	analyzer     handlers.TranscriptAnalyzer
	metrics      *metrics.Metrics
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	dial         handlers.UpstreamDialer
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New("vox")
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		registry:     registry.New(),
		hub:          notify.NewHub(cfg.WSWriteTimeout, logger),
		store:        deps.Store,
		provider:     deps.Provider,
		analyzer:     deps.Analyzer,
		metrics:      m,
		lifecycle:    lifecycle.New(),
		liveSessions: sessions.NewTracker(),
		dial:         deps.Dial,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /health", handlers.HealthHandler{})

	s.mux.Handle("POST /initiate-call", handlers.InitiateCallHandler{
		Config:   s.cfg,
		Provider: s.provider,
		Registry: s.registry,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.mux.Handle("GET /conversations/{user_id}", handlers.ConversationsHandler{
		Config:   s.cfg,
		Store:    s.store,
		Provider: s.provider,
		Analyzer: s.analyzer,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.mux.Handle("POST /trigger-notification", handlers.TriggerNotificationHandler{
		Config:   s.cfg,
		Registry: s.registry,
		Hub:      s.hub,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.mux.Handle("POST /accept-notification/{notification_id}", handlers.AcceptNotificationHandler{
		Provider: s.provider,
		Registry: s.registry,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.mux.Handle("POST /end-call/{conversation_id}", handlers.EndCallHandler{
		Registry: s.registry,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})

	s.mux.Handle("GET /ws/{conversation_id}", handlers.RelayHandler{
		Config:       s.cfg,
		Registry:     s.registry,
		Store:        s.store,
		Logger:       s.logger,
		Metrics:      s.metrics,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Dial:         s.dial,
	})
	s.mux.Handle("GET /ws/notifications/{user_id}", handlers.NotificationSocketHandler{
		Config:    s.cfg,
		Hub:       s.hub,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
	})

	if s.cfg.MetricsEnabled {
		s.mux.Handle("GET "+s.cfg.MetricsPath, s.metrics.Handler())
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Metrics(s.metrics, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops new relay and notification sockets. Plain HTTP keeps
// serving and in-flight sessions keep running.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
	s.logger.Info("draining: no longer accepting new sessions",
		"live_sessions", s.liveSessions.Count())
}

// WaitLiveSessions blocks until every relay session has finished, or ctx
// ends. It reports whether the sessions fully drained.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

// CancelLiveSessions force-cancels the relay sessions still running and
// returns how many were cancelled.
func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}
