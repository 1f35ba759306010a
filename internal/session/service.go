// ABOUTME: Session lifecycle service with idempotent create-or-get and the status transition table
// ABOUTME: All operations are tenant-scoped; invalid transitions surface as ErrInvalidTransition

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relayd/internal/store"
)

// ErrInvalidTransition is returned when a status change is not permitted from
// the session's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the complete lifecycle table. Absence means forbidden.
// TIMEOUT is not reachable here; it has its own entry point in MarkTimedOut.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusWaiting:     {store.StatusActive, store.StatusClosed},
	store.StatusActive:      {store.StatusClosed, store.StatusTransferred},
	store.StatusTransferred: {store.StatusActive, store.StatusClosed},
	store.StatusClosed:      {},
	store.StatusTimeout:     {},
}

func canTransition(from, to store.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store is the persistence surface the lifecycle service needs.
type Store interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, tenantID, id string) (*store.Session, error)
	GetActiveSession(ctx context.Context, tenantID, userID, platform string) (*store.Session, error)
	UpdateSession(ctx context.Context, sess *store.Session, fromStatus store.SessionStatus) error
	TouchSession(ctx context.Context, tenantID, id string, at time.Time) error
	ListSessions(ctx context.Context, tenantID string, filter store.SessionFilter, limit, offset int) ([]*store.Session, error)
}

// Service manages session lifecycle for all tenants.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a session lifecycle service.
func NewService(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "session"),
	}
}

// CreateOrGetActive returns the newest non-terminal session for
// (tenant, user, platform), creating a WAITING one if none exists. The
// operation is idempotent: concurrent callers converge on the same session
// via the store's uniqueness constraint.
func (s *Service) CreateOrGetActive(ctx context.Context, tenantID, userID, platform string, extras store.ExtraData) (*store.Session, error) {
	if tenantID == "" || userID == "" || platform == "" {
		return nil, fmt.Errorf("%w: tenant, user, and platform are required", store.ErrValidation)
	}

	existing, err := s.store.GetActiveSession(ctx, tenantID, userID, platform)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active session: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Platform:  platform,
		Status:    store.StatusWaiting,
		Priority:  5,
		ExtraData: extras,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.CreateSession(ctx, sess)
	if errors.Is(err, store.ErrDuplicateActiveSession) {
		// Lost the race to a concurrent create; the winner's session is ours too.
		winner, lookupErr := s.store.GetActiveSession(ctx, tenantID, userID, platform)
		if lookupErr != nil {
			return nil, fmt.Errorf("fetching session after create conflict: %w", lookupErr)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("created session",
		"session_id", sess.ID,
		"tenant_id", tenantID,
		"user_id", userID,
		"platform", platform)
	return sess, nil
}

// UpdateOptions carries the optional side effects of a status change.
type UpdateOptions struct {
	// AssignedStaffID assigns a staff member when entering ACTIVE.
	AssignedStaffID *string
	// Reason is recorded in the session's extra data when non-empty.
	Reason string
}

// UpdateStatus transitions a session to newStatus, enforcing the lifecycle
// table. Closing stamps ClosedAt; entering ACTIVE with a staff id assigns it.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, sessionID string, newStatus store.SessionStatus, opts UpdateOptions) (*store.Session, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrValidation, newStatus)
	}

	sess, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	if !canTransition(sess.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, newStatus)
	}

	now := time.Now().UTC()
	prev := sess.Status
	sess.Status = newStatus
	sess.UpdatedAt = now

	if newStatus == store.StatusClosed {
		sess.ClosedAt = &now
	}
	if newStatus == store.StatusActive && opts.AssignedStaffID != nil {
		sess.AssignedStaffID = opts.AssignedStaffID
	}
	if opts.Reason != "" {
		sess.ExtraData = sess.ExtraData.Set("status_change_reason", opts.Reason)
	}

	if err := s.store.UpdateSession(ctx, sess, prev); err != nil {
		// Sessions are never deleted and the row was just read, so a guard
		// miss means a concurrent status change won.
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("updating session: %w", err)
	}

	s.logger.Info("session status changed",
		"session_id", sessionID,
		"tenant_id", tenantID,
		"from", prev,
		"to", newStatus)
	return sess, nil
}

// MarkTimedOut moves a session to TIMEOUT. This is the only way into the
// TIMEOUT state; inactivity detection lives with the caller.
func (s *Service) MarkTimedOut(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, store.StatusTimeout)
	}

	now := time.Now().UTC()
	prev := sess.Status
	sess.Status = store.StatusTimeout
	sess.UpdatedAt = now
	sess.ClosedAt = &now
	sess.ExtraData = sess.ExtraData.Set("status_change_reason", "inactivity timeout")

	if err := s.store.UpdateSession(ctx, sess, prev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session changed concurrently", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("updating session: %w", err)
	}

	s.logger.Info("session timed out", "session_id", sessionID, "tenant_id", tenantID)
	return sess, nil
}

// Get retrieves a session by id within a tenant.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	return s.store.GetSession(ctx, tenantID, sessionID)
}

// List returns a tenant's sessions, most recently active first.
func (s *Service) List(ctx context.Context, tenantID string, filter store.SessionFilter, limit, offset int) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, tenantID, filter, limit, offset)
}

// TouchLastMessage records message activity on a session.
func (s *Service) TouchLastMessage(ctx context.Context, tenantID, sessionID string) error {
	return s.store.TouchSession(ctx, tenantID, sessionID, time.Now().UTC())
}
