// ABOUTME: Message service handling append, listing, search, delivery status, and webhook ingest
// ABOUTME: Validates drafts against the owning session and enforces monotonic status progression

package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relayd/internal/store"
)

// ErrStatusRegression is returned when a delivery status update would move a
// message backwards (e.g. read back to sent) or out of a terminal state.
var ErrStatusRegression = errors.New("message status cannot regress")

// Sessions is the slice of the session service the message service needs.
type Sessions interface {
	Get(ctx context.Context, tenantID, sessionID string) (*store.Session, error)
	CreateOrGetActive(ctx context.Context, tenantID, userID, platform string, extras store.ExtraData) (*store.Session, error)
	TouchLastMessage(ctx context.Context, tenantID, sessionID string) error
}

// Store is the persistence surface the message service needs.
type Store interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, tenantID string, id int64) (*store.Message, error)
	ListMessages(ctx context.Context, tenantID, sessionID string, filter store.MessageFilter, limit, offset int) ([]*store.Message, error)
	SearchMessages(ctx context.Context, tenantID, search string, filter store.SearchFilter, limit, offset int) ([]*store.Message, error)
	UpdateMessageStatus(ctx context.Context, tenantID string, id int64, status store.MessageStatus) error
	MessageStatistics(ctx context.Context, tenantID string, start, end time.Time) (*store.MessageStats, error)
}

// Notifier receives every successfully stored message for live fan-out.
// A nil notifier disables fan-out.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, msg *store.Message)
}

// Service is the append-only message log for all tenants.
type Service struct {
	store    Store
	sessions Sessions
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a message service. notifier may be nil.
func NewService(st Store, sessions Sessions, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		sessions: sessions,
		notifier: notifier,
		logger:   logger.With("component", "message"),
	}
}

// Draft is an unsaved message. Zero Type defaults to text; zero Timestamp
// defaults to now.
type Draft struct {
	SessionID   string
	Content     string
	Type        store.MessageType
	SenderType  store.SenderType
	SenderID    string
	SenderName  string
	Timestamp   time.Time
	Attachments []store.Attachment
}

func (d *Draft) validate() error {
	if d.SessionID == "" {
		return fmt.Errorf("%w: session id is required", store.ErrValidation)
	}
	if d.Content == "" && len(d.Attachments) == 0 {
		return fmt.Errorf("%w: message needs content or attachments", store.ErrValidation)
	}
	if d.SenderType == "" || d.SenderID == "" {
		return fmt.Errorf("%w: sender type and id are required", store.ErrValidation)
	}
	if !d.SenderType.Valid() {
		return fmt.Errorf("%w: unknown sender type %q", store.ErrValidation, d.SenderType)
	}
	if d.Type != "" && !d.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", store.ErrValidation, d.Type)
	}
	return nil
}

// Append validates the draft against its session, persists it, and bumps the
// session's last-message time. The session check and the tenant scope on the
// insert make cross-tenant writes impossible.
func (s *Service) Append(ctx context.Context, tenantID string, draft Draft) (*store.Message, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	if _, err := s.sessions.Get(ctx, tenantID, draft.SessionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &store.Message{
		TenantID:    tenantID,
		SessionID:   draft.SessionID,
		Content:     draft.Content,
		Type:        draft.Type,
		SenderType:  draft.SenderType,
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		Timestamp:   draft.Timestamp,
		CreatedAt:   now,
		Attachments: draft.Attachments,
		Status:      store.MessageSent,
	}
	if msg.Type == "" {
		msg.Type = store.MessageText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	// Activity tracking is best-effort; the message is already durable.
	if err := s.sessions.TouchLastMessage(ctx, tenantID, draft.SessionID); err != nil {
		s.logger.Warn("failed to touch session after append",
			"session_id", draft.SessionID, "error", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(ctx, msg)
	}

	s.logger.Debug("appended message",
		"message_id", msg.ID,
		"session_id", msg.SessionID,
		"sender_type", msg.SenderType)
	return msg, nil
}

// ListBySession returns a session's messages newest first. The session must
// exist under the tenant.
func (s *Service) ListBySession(ctx context.Context, tenantID, sessionID string, filter store.MessageFilter, limit, offset int) ([]*store.Message, error) {
	if _, err := s.sessions.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, tenantID, sessionID, filter, limit, offset)
}

// Search does a tenant-wide substring search over message content.
func (s *Service) Search(ctx context.Context, tenantID, query string, filter store.SearchFilter, limit, offset int) ([]*store.Message, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", store.ErrValidation)
	}
	return s.store.SearchMessages(ctx, tenantID, query, filter, limit, offset)
}

// statusRank orders the forward-only delivery states.
var statusRank = map[store.MessageStatus]int{
	store.MessageSent:      0,
	store.MessageDelivered: 1,
	store.MessageRead:      2,
}

func canAdvance(from, to store.MessageStatus) bool {
	if from == to {
		return true
	}
	if from == store.MessageFailed {
		return false
	}
	if to == store.MessageFailed {
		return from != store.MessageRead
	}
	return statusRank[to] > statusRank[from]
}

// UpdateStatus advances a message's delivery status. Progression is
// monotonic: sent, delivered, read, with forward skips allowed. failed is
// reachable from anything except read. Setting the current status again is a
// no-op.
func (s *Service) UpdateStatus(ctx context.Context, tenantID string, messageID int64, status store.MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", store.ErrValidation, status)
	}

	msg, err := s.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	if !canAdvance(msg.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, msg.Status, status)
	}
	if msg.Status == status {
		return nil
	}
	return s.store.UpdateMessageStatus(ctx, tenantID, messageID, status)
}

// IngestInput is an inbound message from a platform webhook, identified by
// the end user rather than a session.
type IngestInput struct {
	UserID      string
	Platform    string
	Content     string
	Type        store.MessageType
	SenderName  string
	Timestamp   time.Time
	Attachments []store.Attachment
}

// Ingest resolves (or creates) the user's active session and appends the
// message to it. This is the single entry point for platform adapters.
func (s *Service) Ingest(ctx context.Context, tenantID string, in IngestInput) (*store.Message, *store.Session, error) {
	sess, err := s.sessions.CreateOrGetActive(ctx, tenantID, in.UserID, in.Platform, nil)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.Append(ctx, tenantID, Draft{
		SessionID:   sess.ID,
		Content:     in.Content,
		Type:        in.Type,
		SenderType:  store.SenderUser,
		SenderID:    in.UserID,
		SenderName:  in.SenderName,
		Timestamp:   in.Timestamp,
		Attachments: in.Attachments,
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, sess, nil
}

// Stats aggregates a tenant's message counts, optionally bounded in time.
func (s *Service) Stats(ctx context.Context, tenantID string, start, end time.Time) (*store.MessageStats, error) {
	return s.store.MessageStatistics(ctx, tenantID, start, end)
}
