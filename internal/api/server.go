// Package api exposes supervisor sessions, approvals and events over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/diagnostics"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
)

// SessionService is the part of the engine the API drives.
type SessionService interface {
	Start(ctx context.Context, req service.Request) (string, error)
	Resume(ctx context.Context, sessionID string) (string, error)
	Cancel(sessionID string) error
	Snapshot(ctx context.Context, sessionID string) (core.WorkflowState, error)
	Sessions() []service.SessionInfo
}

// ApprovalService answers pending HITL requests.
type ApprovalService interface {
	Pending() []core.ApprovalRequest
	Get(id string) (core.ApprovalRequest, bool)
	ProvideResponse(id string, resp core.ApprovalResponse) bool
}

// HealthChecker reports host readiness.
type HealthChecker interface {
	Run(ctx context.Context) diagnostics.PreflightResult
}

// Server provides HTTP endpoints for session management.
type Server struct {
	router    chi.Router
	sessions  SessionService
	approvals ApprovalService
	eventBus  *events.EventBus
	history   core.ConversationStore
	metrics   http.Handler
	health    HealthChecker
	origins   []string
	logger    *logging.Logger

	// Sessions started over HTTP outlive the request that created them.
	baseCtx context.Context
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithConversationStore enables the session messages endpoint.
func WithConversationStore(st core.ConversationStore) ServerOption {
	return func(s *Server) { s.history = st }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithHealthChecker adds host checks to /health.
func WithHealthChecker(h HealthChecker) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithCORSOrigins restricts cross-origin access. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithBaseContext sets the context sessions started over HTTP run under.
func WithBaseContext(ctx context.Context) ServerOption {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer creates a new API server.
func NewServer(sessions SessionService, approvals ApprovalService, eventBus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		sessions:  sessions,
		approvals: approvals,
		eventBus:  eventBus,
		logger:    logging.NewNop(),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived streams stay outside the request timeout.
		r.Get("/events", s.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleStartSession)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleCancelSession)
					r.Post("/cancel", s.handleCancelSession)
					r.Post("/resume", s.handleResumeSession)
					r.Get("/messages", s.handleSessionMessages)
				})
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.handleListApprovals)
				r.Get("/{requestID}", s.handleGetApproval)
				r.Post("/{requestID}", s.handleRespondApproval)
			})
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps err to a status code and sends it.
func respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		status = http.StatusInternalServerError
	}
	body := map[string]string{"error": err.Error()}
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		body["code"] = domErr.Code
		body["category"] = string(domErr.Category)
	}
	respondJSON(w, status, body)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if s.health != nil {
		res := s.health.Run(r.Context())
		body["preflight"] = res
		if !res.OK {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, body)
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
