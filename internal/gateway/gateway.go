// ABOUTME: Gateway orchestrator wiring services behind the HTTP and WebSocket surface
// ABOUTME: Owns the mux, tenant resolution, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaydesk/relayd/internal/config"
	"github.com/relaydesk/relayd/internal/contextwin"
	"github.com/relaydesk/relayd/internal/message"
	"github.com/relaydesk/relayd/internal/registry"
	"github.com/relaydesk/relayd/internal/session"
	"github.com/relaydesk/relayd/internal/store"
)

// TenantResolver extracts the caller's tenant from a request. Identity is
// assumed to be established upstream (reverse proxy, API gateway); this is
// the seam where a real verifier would plug in.
type TenantResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderTenantResolver trusts the X-Tenant-ID header.
type HeaderTenantResolver struct{}

// Resolve returns the tenant id from the header, or an error if absent.
func (HeaderTenantResolver) Resolve(r *http.Request) (string, error) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		return "", fmt.Errorf("%w: missing X-Tenant-ID header", store.ErrValidation)
	}
	return tenantID, nil
}

// SessionAuth authorizes session subscriptions against the session service:
// a tenant may watch exactly the sessions it can read.
type SessionAuth struct {
	Sessions *session.Service
}

// Authorize reports whether the tenant owns the session.
func (a SessionAuth) Authorize(ctx context.Context, tenantID, sessionID string) (bool, error) {
	_, err := a.Sessions.Get(ctx, tenantID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Gateway exposes the platform over HTTP and WebSocket.
type Gateway struct {
	cfg      *config.Config
	sessions *session.Service
	messages *message.Service
	registry *registry.Registry
	builder  *contextwin.Builder
	resolver TenantResolver

	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a gateway. A nil resolver defaults to HeaderTenantResolver.
func New(cfg *config.Config, sessions *session.Service, messages *message.Service, reg *registry.Registry, builder *contextwin.Builder, resolver TenantResolver, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = HeaderTenantResolver{}
	}

	g := &Gateway{
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		registry: reg,
		builder:  builder,
		resolver: resolver,
		logger:   logger.With("component", "gateway"),
	}
	g.httpServer = &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      g.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket responses
	}
	return g
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/status", g.handleUpdateSessionStatus)
	mux.HandleFunc("GET /api/sessions/{id}/messages", g.handleListMessages)
	mux.HandleFunc("GET /api/sessions/{id}/summary", g.handleSessionSummary)

	mux.HandleFunc("POST /api/messages/search", g.handleSearchMessages)
	mux.HandleFunc("POST /api/messages/{id}/status", g.handleUpdateMessageStatus)

	mux.HandleFunc("POST /api/webhooks/{platform}", g.handleWebhook)
	mux.HandleFunc("POST /api/context", g.handleBuildContext)
	mux.HandleFunc("GET /api/stats/messages", g.handleMessageStats)

	mux.HandleFunc("GET /ws", g.handleWebSocket)

	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
