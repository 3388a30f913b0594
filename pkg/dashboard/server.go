// Package dashboard serves the HTTP API: connection status and pairing,
// inbox and replies, webhook management, media files, metrics and a
// websocket feed of bus events.
package dashboard

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/config"
	"github.com/sipeed/wabridge/pkg/connection"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/storage/repository"
	"github.com/sipeed/wabridge/pkg/webhook"
)

const Version = "0.1.0"

// Connection is the view of the connection manager the API needs.
type Connection interface {
	State() connection.State
	PairingArtifact() (string, bool)
	Start()
	Logout(ctx context.Context) error
}

// Messages is the inbox and reply surface of the ingestion pipeline.
type Messages interface {
	SendReply(ctx context.Context, originalID, body string) (*repository.Message, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateStatusBatch(ctx context.Context, ids []string, status string) (int64, error)
	Inbox(ctx context.Context, filter repository.MessageFilter, page, limit int) ([]repository.Message, int, error)
}

// Deliveries is the webhook dispatcher surface the API needs.
type Deliveries interface {
	TestDelivery(ctx context.Context, url, secret string) (*webhook.TestResult, error)
	Pending() int
}

// Pinger reports event store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Connection Connection
	Messages   Messages
	Webhooks   repository.WebhookRepository
	Audit      repository.AuditRepository
	Deliveries Deliveries
	Store      Pinger
	Bus        *bus.MessageBus
	MediaDir   string
	MediaURL   string
}

type Server struct {
	config     config.DashboardConfig
	deps       Deps
	feed       *Feed
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(cfg config.DashboardConfig, deps Deps) *Server {
	if deps.MediaURL == "" {
		deps.MediaURL = "/media/"
	}
	s := &Server{
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	var state func() connection.State
	if deps.Connection != nil {
		state = deps.Connection.State
	}
	s.feed = NewFeed(deps.Bus, state, s.checkWebSocketOrigin)
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.auditMiddleware)

			r.Get("/status", s.handleStatus)
			r.Get("/pairing/qr", s.handlePairingQR)
			r.Post("/connect", s.handleConnect)
			r.Post("/logout", s.handleLogout)

			r.Get("/inbox", s.handleInbox)
			r.Get("/inbox/{status}", s.handleInbox)
			r.Post("/messages/{id}/reply", s.handleReply)
			r.Patch("/messages/batch/status", s.handleBatchStatus)
			r.Patch("/messages/{id}/status", s.handleUpdateStatus)

			r.Get("/webhooks", s.handleListWebhooks)
			r.Post("/webhooks", s.handleCreateWebhook)
			r.Post("/webhooks/test", s.handleTestWebhook)
			r.Put("/webhooks/{id}", s.handleUpdateWebhook)
			r.Delete("/webhooks/{id}", s.handleDeleteWebhook)

			r.Get("/audit", s.handleAudit)
		})
	})

	if s.deps.MediaDir != "" {
		prefix := strings.TrimSuffix(s.deps.MediaURL, "/")
		files := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(s.deps.MediaDir)))
		r.With(s.authMiddleware).Handle(prefix+"/*", files)
	}

	return r
}

// Start runs the websocket feed and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	go s.feed.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("dashboard", "Dashboard server started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("dashboard", "Dashboard server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
		logger.InfoC("dashboard", "Dashboard server stopped")
	}
}

// authMiddleware wraps a handler with bearer token authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validToken(extractToken(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validToken(token string) bool {
	if s.config.Token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) == 1
}

// extractToken gets the bearer token from Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Fallback: query parameter (for WebSocket and media links)
	return r.URL.Query().Get("token")
}

// auditMiddleware records mutating requests after they complete. Failures to
// record are logged only.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.deps.Audit == nil {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		action := r.Method + " " + routePattern(r)
		details := map[string]interface{}{
			"path":       r.URL.Path,
			"status":     status,
			"request_id": middleware.GetReqID(r.Context()),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Audit.Append(ctx, action, details, r.RemoteAddr); err != nil {
			logger.WarnCF("dashboard", "Failed to record audit entry", map[string]interface{}{
				"action": action,
				"error":  err.Error(),
			})
		}
	})
}

// corsMiddleware answers preflight requests for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts any origin when none are configured; the API is
// token protected either way.
func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// checkWebSocketOrigin allows non-browser clients, which send no Origin.
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
