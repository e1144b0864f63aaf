package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ekko-hq/ekko/internal/access"
	"github.com/ekko-hq/ekko/internal/audit"
	"github.com/ekko-hq/ekko/internal/auth"
	"github.com/ekko-hq/ekko/internal/directory"
	"github.com/ekko-hq/ekko/internal/hierarchy"
	"github.com/ekko-hq/ekko/internal/permission"
	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/ekko-hq/ekko/internal/platform/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all injected dependencies for the server. Nil handlers
// leave their routes unregistered.
type Dependencies struct {
	Pool               *database.Pool
	Auth               *auth.TokenService
	NodeHandler        *hierarchy.Handler
	UserHandler        *directory.Handler
	PermissionHandler  *permission.Handler
	AccessHandler      *access.Handler
	AuditHandler       *audit.Handler
	MetricsGatherer    prometheus.Gatherer
	CronSecret         string
	DevMode            bool
	DevIdentity        *auth.Identity
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

const (
	shutdownGrace = 10 * time.Second
	readyTimeout  = 2 * time.Second
)

type Server struct {
	httpServer   *http.Server
	protectedMux *http.ServeMux
	pool         *database.Pool
	handler      http.Handler
	logger       *slog.Logger
}

func New(addr string, deps Dependencies) *Server {
	// Protected routes mux, wrapped with auth middleware
	protectedMux := http.NewServeMux()

	var protectedHandler http.Handler = protectedMux
	if deps.Auth != nil {
		if deps.DevMode && deps.DevIdentity != nil {
			protectedHandler = auth.MiddlewareWithDevMode(deps.Auth, deps.DevIdentity)(protectedHandler)
		} else {
			protectedHandler = auth.Middleware(deps.Auth)(protectedHandler)
		}
	}

	// Top-level mux: public routes + protected catch-all
	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		protectedMux: protectedMux,
		pool:         deps.Pool,
		logger:       deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	// Public routes (no auth required)
	topMux.HandleFunc("GET /healthz", s.handleHealth)
	topMux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.MetricsGatherer != nil {
		topMux.Handle("GET /metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	// Cron routes authenticate with a shared secret instead of a user token.
	if deps.AccessHandler != nil {
		topMux.Handle("POST /api/cron/refresh-materialized-views",
			auth.BearerSecret(deps.CronSecret)(http.HandlerFunc(deps.AccessHandler.HandleCronRefresh)),
		)
	}

	if h := deps.NodeHandler; h != nil {
		protectedMux.HandleFunc("POST /api/v1/nodes", h.HandleCreate)
		protectedMux.HandleFunc("GET /api/v1/nodes/tree", h.HandleTree)
		protectedMux.HandleFunc("GET /api/v1/nodes/{id}", h.HandleGet)
		protectedMux.HandleFunc("PATCH /api/v1/nodes/{id}", h.HandleUpdate)
		protectedMux.HandleFunc("POST /api/v1/nodes/{id}/move", h.HandleMove)
		protectedMux.HandleFunc("POST /api/v1/nodes/{id}/deactivate", h.HandleDeactivate)
		protectedMux.HandleFunc("POST /api/v1/nodes/{id}/activate", h.HandleActivate)
	}

	if h := deps.UserHandler; h != nil {
		protectedMux.HandleFunc("POST /api/v1/users", h.HandleCreate)
		protectedMux.HandleFunc("GET /api/v1/users", h.HandleList)
		protectedMux.HandleFunc("GET /api/v1/users/{id}", h.HandleGet)
		protectedMux.HandleFunc("PATCH /api/v1/users/{id}", h.HandleUpdate)
		protectedMux.HandleFunc("POST /api/v1/users/{id}/deactivate", h.HandleDeactivate)
		protectedMux.HandleFunc("POST /api/v1/users/{id}/activate", h.HandleActivate)
	}

	if h := deps.PermissionHandler; h != nil {
		protectedMux.HandleFunc("POST /api/v1/permissions", h.HandleGrant)
		protectedMux.HandleFunc("POST /api/v1/permissions/bulk", h.HandleBulkGrant)
		protectedMux.HandleFunc("POST /api/v1/permissions/bulk-revoke", h.HandleBulkRevoke)
		protectedMux.HandleFunc("DELETE /api/v1/permissions/{id}", h.HandleRevoke)
		protectedMux.HandleFunc("PATCH /api/v1/permissions/{id}", h.HandleUpdate)
		protectedMux.HandleFunc("POST /api/v1/permissions/{id}/reactivate", h.HandleReactivate)
		protectedMux.HandleFunc("GET /api/v1/me/permissions", h.HandleMyPermissions)
	}

	if h := deps.AccessHandler; h != nil {
		protectedMux.HandleFunc("GET /api/v1/access/users", h.HandleQuery)
		protectedMux.HandleFunc("GET /api/v1/access/check/{userID}", h.HandleCheck)
		protectedMux.HandleFunc("POST /api/v1/access/refresh", h.HandleRefresh)
	}

	if h := deps.AuditHandler; h != nil {
		protectedMux.HandleFunc("GET /api/v1/audit/events", h.HandleListEvents)
		protectedMux.HandleFunc("GET /api/v1/audit/{aggregateID}", h.HandleListEvents)
	}

	// All other routes go through auth middleware
	topMux.Handle("/", protectedHandler)

	// Wrap top-level mux with observability middleware
	var handler http.Handler = topMux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ProtectedMux returns the mux for authenticated routes.
// Use this to register routes that require authentication.
func (s *Server) ProtectedMux() *http.ServeMux {
	return s.protectedMux
}

// Start serves until ctx is cancelled, then drains in-flight requests for up
// to shutdownGrace.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server draining", "grace", shutdownGrace)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return <-serveErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness reports ready only when the pool answers a ping within
// readyTimeout.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	reason := ""
	switch {
	case s.pool == nil:
		reason = "database not connected"
	default:
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.pool.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "readiness ping failed", "error", err)
			reason = "database ping failed"
		}
	}

	if reason != "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": reason})
		return
	}

	stat := s.pool.Stat()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"pool": map[string]int32{
			"total": stat.TotalConns(),
			"idle":  stat.IdleConns(),
			"max":   stat.MaxConns(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
