// ABOUTME: SQLite implementation of session and message persistence using modernc.org/sqlite
// ABOUTME: Owns the schema, tenant-scoped queries, and the one-active-session unique index

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions and messages in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created if
// it doesn't exist, and parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			platform          TEXT NOT NULL,
			status            TEXT NOT NULL,
			assigned_staff_id TEXT,
			priority          INTEGER NOT NULL DEFAULT 5,
			extra_data        TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			last_message_at   TEXT,
			closed_at         TEXT,

			CHECK (status IN ('waiting', 'active', 'transferred', 'closed', 'timeout')),
			CHECK (priority BETWEEN 1 AND 10)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_tenant_user
			ON sessions(tenant_id, user_id, platform);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity
			ON sessions(tenant_id, last_message_at DESC);

		-- At most one non-terminal session per (tenant, user, platform).
		-- Insert races resolve via ErrDuplicateActiveSession + re-fetch.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON sessions(tenant_id, user_id, platform)
			WHERE status IN ('waiting', 'active');

		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id   TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			content     TEXT NOT NULL,
			type        TEXT NOT NULL DEFAULT 'text',
			sender_type TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_name TEXT,
			timestamp   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			attachments TEXT,
			status      TEXT NOT NULL DEFAULT 'sent',

			FOREIGN KEY (session_id) REFERENCES sessions(id),
			CHECK (type IN ('text', 'image', 'file', 'voice', 'video', 'location', 'system')),
			CHECK (sender_type IN ('user', 'staff', 'bot', 'system')),
			CHECK (status IN ('sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(tenant_id, session_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_tenant_time
			ON messages(tenant_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(tenant_id, sender_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation. CHECK
// and foreign key failures are deliberately excluded; only uniqueness maps
// to the duplicate-session sentinel.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSession inserts a new session. If a non-terminal session already
// exists for the same (tenant, user, platform), it returns
// ErrDuplicateActiveSession.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	extraJSON, err := marshalExtraData(sess.ExtraData)
	if err != nil {
		return fmt.Errorf("encoding extra_data: %w", err)
	}

	query := `
		INSERT INTO sessions (id, tenant_id, user_id, platform, status,
			assigned_staff_id, priority, extra_data, created_at, updated_at,
			last_message_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.TenantID,
		sess.UserID,
		sess.Platform,
		string(sess.Status),
		sess.AssignedStaffID,
		sess.Priority,
		extraJSON,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
		formatTimePtr(sess.LastMessageAt),
		formatTimePtr(sess.ClosedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "tenant_id", sess.TenantID, "user_id", sess.UserID)
	return nil
}

// GetSession retrieves a session scoped by (id, tenant_id). A session owned
// by another tenant behaves exactly as an absent one.
func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	query := sessionSelect + ` WHERE id = ? AND tenant_id = ?`
	return s.scanSessionRow(s.db.QueryRowContext(ctx, query, id, tenantID))
}

// GetActiveSession returns the newest non-terminal session for
// (tenant, user, platform), or ErrNotFound.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, tenantID, userID, platform string) (*Session, error) {
	query := sessionSelect + `
		WHERE tenant_id = ? AND user_id = ? AND platform = ?
			AND status IN ('waiting', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanSessionRow(s.db.QueryRowContext(ctx, query, tenantID, userID, platform))
}

// UpdateSession persists the mutable session fields. The write is guarded on
// fromStatus so a read-modify-write cannot overwrite a concurrent status
// change; a miss (absent row, wrong tenant, or changed status) returns
// ErrNotFound.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session, fromStatus SessionStatus) error {
	extraJSON, err := marshalExtraData(sess.ExtraData)
	if err != nil {
		return fmt.Errorf("encoding extra_data: %w", err)
	}

	query := `
		UPDATE sessions
		SET status = ?, assigned_staff_id = ?, priority = ?, extra_data = ?,
			updated_at = ?, closed_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(sess.Status),
		sess.AssignedStaffID,
		sess.Priority,
		extraJSON,
		formatTime(sess.UpdatedAt),
		formatTimePtr(sess.ClosedAt),
		sess.ID,
		sess.TenantID,
		string(fromStatus),
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated session", "id", sess.ID, "status", sess.Status)
	return nil
}

// TouchSession bumps last_message_at and updated_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `
		UPDATE sessions
		SET last_message_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`
	result, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(at), id, tenantID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns a tenant's sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string, filter SessionFilter, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	query := sessionSelect + ` WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssignedStaffID != "" {
		query += ` AND assigned_staff_id = ?`
		args = append(args, filter.AssignedStaffID)
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, filter.Platform)
	}

	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

const sessionSelect = `
	SELECT id, tenant_id, user_id, platform, status, assigned_staff_id,
		priority, extra_data, created_at, updated_at, last_message_at, closed_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSessionRow(row *sql.Row) (*Session, error) {
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var staffID, extraJSON, lastMsgStr, closedStr sql.NullString
	var createdStr, updatedStr, statusStr string

	err := row.Scan(
		&sess.ID,
		&sess.TenantID,
		&sess.UserID,
		&sess.Platform,
		&statusStr,
		&staffID,
		&sess.Priority,
		&extraJSON,
		&createdStr,
		&updatedStr,
		&lastMsgStr,
		&closedStr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	sess.Status = SessionStatus(statusStr)
	if staffID.Valid {
		sess.AssignedStaffID = &staffID.String
	}
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &sess.ExtraData); err != nil {
			return nil, fmt.Errorf("decoding extra_data: %w", err)
		}
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastMsgStr.Valid {
		t, err := time.Parse(time.RFC3339, lastMsgStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		sess.LastMessageAt = &t
	}
	if closedStr.Valid {
		t, err := time.Parse(time.RFC3339, closedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		sess.ClosedAt = &t
	}

	return &sess, nil
}

// SaveMessage inserts a message and fills in its assigned ID. Callers are
// responsible for verifying the target session first; a dangling session_id
// surfaces as a foreign key error.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	attachJSON, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}

	query := `
		INSERT INTO messages (tenant_id, session_id, content, type, sender_type,
			sender_id, sender_name, timestamp, created_at, attachments, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.TenantID,
		msg.SessionID,
		msg.Content,
		string(msg.Type),
		string(msg.SenderType),
		msg.SenderID,
		nullString(msg.SenderName),
		formatTime(msg.Timestamp),
		formatTime(msg.CreatedAt),
		attachJSON,
		string(msg.Status),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting message id: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "session_id", msg.SessionID, "type", msg.Type)
	return nil
}

// GetMessage retrieves a message scoped by (id, tenant_id).
func (s *SQLiteStore) GetMessage(ctx context.Context, tenantID string, id int64) (*Message, error) {
	query := messageSelect + ` WHERE id = ? AND tenant_id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id, tenantID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

// ListMessages returns a session's messages newest first, ties broken by id.
func (s *SQLiteStore) ListMessages(ctx context.Context, tenantID, sessionID string, filter MessageFilter, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := messageSelect + ` WHERE tenant_id = ? AND session_id = ?`
	args := []any{tenantID, sessionID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(filter.Before))
	}
	if !filter.After.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, formatTime(filter.After))
	}

	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryMessages(ctx, query, args)
}

// SearchMessages does a tenant-wide substring match over message content,
// newest first. Not full-text ranked.
func (s *SQLiteStore) SearchMessages(ctx context.Context, tenantID, search string, filter SearchFilter, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := messageSelect + ` WHERE tenant_id = ?`
	args := []any{tenantID}

	if search != "" {
		query += ` AND content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(search)+"%")
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, filter.SenderID)
	}
	if !filter.Start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(filter.End))
	}

	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryMessages(ctx, query, args)
}

// escapeLike escapes LIKE wildcards so search terms match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// UpdateMessageStatus sets a message's delivery status.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, tenantID string, id int64, status MessageStatus) error {
	query := `UPDATE messages SET status = ? WHERE id = ? AND tenant_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), id, tenantID)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated message status", "id", id, "status", status)
	return nil
}

// MessageStatistics aggregates per-tenant message counts by type and sender.
func (s *SQLiteStore) MessageStatistics(ctx context.Context, tenantID string, start, end time.Time) (*MessageStats, error) {
	where := ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if !start.IsZero() {
		where += ` AND timestamp >= ?`
		args = append(args, formatTime(start))
	}
	if !end.IsZero() {
		where += ` AND timestamp <= ?`
		args = append(args, formatTime(end))
	}

	stats := &MessageStats{
		ByType:   make(map[MessageType]int64),
		BySender: make(map[SenderType]int64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM messages`+where+` GROUP BY type`, args...)
	if err != nil {
		return nil, fmt.Errorf("counting by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scanning type count: %w", err)
		}
		stats.ByType[MessageType(typ)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating type counts: %w", err)
	}

	senderRows, err := s.db.QueryContext(ctx, `SELECT sender_type, COUNT(*) FROM messages`+where+` GROUP BY sender_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("counting by sender: %w", err)
	}
	defer senderRows.Close()
	for senderRows.Next() {
		var typ string
		var count int64
		if err := senderRows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scanning sender count: %w", err)
		}
		stats.BySender[SenderType(typ)] = count
	}
	if err := senderRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sender counts: %w", err)
	}

	return stats, nil
}

const messageSelect = `
	SELECT id, tenant_id, session_id, content, type, sender_type, sender_id,
		sender_name, timestamp, created_at, attachments, status
	FROM messages`

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args []any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var senderName, attachJSON sql.NullString
	var typeStr, senderTypeStr, statusStr, timestampStr, createdStr string

	err := row.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.SessionID,
		&msg.Content,
		&typeStr,
		&senderTypeStr,
		&msg.SenderID,
		&senderName,
		&timestampStr,
		&createdStr,
		&attachJSON,
		&statusStr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Type = MessageType(typeStr)
	msg.SenderType = SenderType(senderTypeStr)
	msg.Status = MessageStatus(statusStr)
	if senderName.Valid {
		msg.SenderName = senderName.String
	}
	if attachJSON.Valid && attachJSON.String != "" {
		if err := json.Unmarshal([]byte(attachJSON.String), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
	}

	if msg.Timestamp, err = time.Parse(time.RFC3339, timestampStr); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

func marshalExtraData(e ExtraData) (any, error) {
	if len(e) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalAttachments(a []Attachment) (any, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// nullString returns nil for empty strings so the column stays NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
