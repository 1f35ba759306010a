// ABOUTME: In-memory connection registry with tenant and session broadcast fan-out
// ABOUTME: Self-healing: a connection that fails a send is pruned mid-broadcast

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSendTimeout bounds each subscriber send during a broadcast.
const DefaultSendTimeout = 5 * time.Second

// Sender delivers one payload to a live connection. Implementations must be
// safe for concurrent use; a returned error means the connection is dead.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SessionAuthorizer decides whether a tenant may watch a session. Backed by
// the session service in production.
type SessionAuthorizer interface {
	Authorize(ctx context.Context, tenantID, sessionID string) (bool, error)
}

type conn struct {
	tenantID string
	id       string
	sender   Sender
	sessions map[string]struct{}
}

// Registry tracks live connections per tenant and their session
// subscriptions. It holds no persistent state; a restart empties it and
// clients reconnect.
type Registry struct {
	mu       sync.RWMutex
	tenants  map[string]map[string]*conn // tenantID -> connID -> conn
	sessions map[string]map[string]*conn // sessionID -> connID -> conn

	auth        SessionAuthorizer
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates a registry. sendTimeout <= 0 falls back to DefaultSendTimeout.
func New(auth SessionAuthorizer, sendTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		tenants:     make(map[string]map[string]*conn),
		sessions:    make(map[string]map[string]*conn),
		auth:        auth,
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "registry"),
	}
}

// Connect registers a connection under a tenant. Re-registering an existing
// connection id replaces its sender and drops its old subscriptions.
func (r *Registry) Connect(tenantID, connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tenants[tenantID][connID]; ok {
		r.removeLocked(existing)
	}

	c := &conn{
		tenantID: tenantID,
		id:       connID,
		sender:   sender,
		sessions: make(map[string]struct{}),
	}
	if r.tenants[tenantID] == nil {
		r.tenants[tenantID] = make(map[string]*conn)
	}
	r.tenants[tenantID][connID] = c

	r.logger.Debug("connection registered", "tenant_id", tenantID, "conn_id", connID)
}

// Disconnect removes a connection and all its subscriptions. Unknown
// connections are a no-op.
func (r *Registry) Disconnect(tenantID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.tenants[tenantID][connID]
	if !ok {
		return
	}
	r.removeLocked(c)
	r.logger.Debug("connection removed", "tenant_id", tenantID, "conn_id", connID)
}

// removeLocked unlinks a connection from both maps. Caller holds mu.
func (r *Registry) removeLocked(c *conn) {
	for sessionID := range c.sessions {
		delete(r.sessions[sessionID], c.id)
		if len(r.sessions[sessionID]) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	delete(r.tenants[c.tenantID], c.id)
	if len(r.tenants[c.tenantID]) == 0 {
		delete(r.tenants, c.tenantID)
	}
}

// Subscribe adds a connection to a session's subscriber set. Returns false
// without side effects when the connection is unknown or the tenant is not
// allowed to watch the session.
func (r *Registry) Subscribe(ctx context.Context, tenantID, connID, sessionID string) (bool, error) {
	ok, err := r.auth.Authorize(ctx, tenantID, sessionID)
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Warn("subscription denied", "tenant_id", tenantID, "session_id", sessionID)
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.tenants[tenantID][connID]
	if !exists {
		return false, nil
	}
	c.sessions[sessionID] = struct{}{}
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]*conn)
	}
	r.sessions[sessionID][connID] = c

	r.logger.Debug("subscribed", "conn_id", connID, "session_id", sessionID)
	return true, nil
}

// Unsubscribe removes a connection from a session's subscriber set.
func (r *Registry) Unsubscribe(tenantID, connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.tenants[tenantID][connID]
	if !ok {
		return
	}
	delete(c.sessions, sessionID)
	delete(r.sessions[sessionID], connID)
	if len(r.sessions[sessionID]) == 0 {
		delete(r.sessions, sessionID)
	}
}

// BroadcastToSession delivers payload to every subscriber of a session and
// returns the delivered count. A failed subscriber is dropped from the
// session; the rest still receive the payload.
func (r *Registry) BroadcastToSession(ctx context.Context, sessionID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.sessions[sessionID]))
	for _, c := range r.sessions[sessionID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if r.send(ctx, c, payload) {
			delivered++
			continue
		}
		r.logger.Warn("dropping failed subscriber",
			"conn_id", c.id, "session_id", sessionID)
		r.Unsubscribe(c.tenantID, c.id, sessionID)
	}
	return delivered
}

// BroadcastToTenant delivers payload to every connection of a tenant and
// returns the delivered count. A failed connection is disconnected entirely.
func (r *Registry) BroadcastToTenant(ctx context.Context, tenantID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.tenants[tenantID]))
	for _, c := range r.tenants[tenantID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if r.send(ctx, c, payload) {
			delivered++
			continue
		}
		r.logger.Warn("disconnecting failed connection",
			"conn_id", c.id, "tenant_id", tenantID)
		r.Disconnect(tenantID, c.id)
	}
	return delivered
}

// send delivers with the registry's deadline so one stalled client cannot
// block the fan-out.
func (r *Registry) send(ctx context.Context, c *conn, payload []byte) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := c.sender.Send(sendCtx, payload); err != nil {
		r.logger.Debug("send failed", "conn_id", c.id, "error", err)
		return false
	}
	return true
}

// SessionSubscriberCount returns the number of connections watching a session.
func (r *Registry) SessionSubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// TenantConnectionCount returns the number of live connections for a tenant.
func (r *Registry) TenantConnectionCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants[tenantID])
}
