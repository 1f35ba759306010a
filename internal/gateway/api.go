// ABOUTME: REST handlers for sessions, messages, webhooks, context, and stats
// ABOUTME: The single place where service errors become HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relaydesk/relayd/internal/contextwin"
	"github.com/relaydesk/relayd/internal/message"
	"github.com/relaydesk/relayd/internal/session"
	"github.com/relaydesk/relayd/internal/store"
)

// SessionResponse is the JSON shape of a session.
type SessionResponse struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id"`
	Platform        string         `json:"platform"`
	Status          string         `json:"status"`
	AssignedStaffID *string        `json:"assigned_staff_id,omitempty"`
	Priority        int            `json:"priority"`
	ExtraData       map[string]any `json:"extra_data,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	LastMessageAt   *string        `json:"last_message_at,omitempty"`
	ClosedAt        *string        `json:"closed_at,omitempty"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID          int64              `json:"id"`
	SessionID   string             `json:"session_id"`
	Content     string             `json:"content"`
	Type        string             `json:"type"`
	SenderType  string             `json:"sender_type"`
	SenderID    string             `json:"sender_id"`
	SenderName  string             `json:"sender_name,omitempty"`
	Timestamp   string             `json:"timestamp"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Status      string             `json:"status"`
}

func sessionToResponse(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:              s.ID,
		TenantID:        s.TenantID,
		UserID:          s.UserID,
		Platform:        s.Platform,
		Status:          string(s.Status),
		AssignedStaffID: s.AssignedStaffID,
		Priority:        s.Priority,
		ExtraData:       s.ExtraData,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
	if s.LastMessageAt != nil {
		v := s.LastMessageAt.Format(time.RFC3339)
		resp.LastMessageAt = &v
	}
	if s.ClosedAt != nil {
		v := s.ClosedAt.Format(time.RFC3339)
		resp.ClosedAt = &v
	}
	return resp
}

func messageToResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		SessionID:   m.SessionID,
		Content:     m.Content,
		Type:        string(m.Type),
		SenderType:  string(m.SenderType),
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Timestamp:   m.Timestamp.Format(time.RFC3339),
		Attachments: m.Attachments,
		Status:      string(m.Status),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. This is the only layer
// that knows about HTTP; services speak sentinels.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, message.ErrStatusRegression),
		errors.Is(err, store.ErrDuplicateActiveSession):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		g.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// tenant resolves the caller's tenant or writes the error itself.
func (g *Gateway) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := g.resolver.Resolve(r)
	if err != nil {
		g.writeError(w, err)
		return "", false
	}
	return tenantID, true
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", store.ErrValidation)
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// CreateSessionRequest is the JSON body for POST /api/sessions.
type CreateSessionRequest struct {
	UserID    string         `json:"user_id"`
	Platform  string         `json:"platform"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	sess, err := g.sessions.CreateOrGetActive(r.Context(), tenantID, req.UserID, req.Platform, req.ExtraData)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	sess, err := g.sessions.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:          store.SessionStatus(q.Get("status")),
		AssignedStaffID: q.Get("assigned_staff_id"),
		Platform:        q.Get("platform"),
	}
	limit, offset := pageParams(r)

	sessions, err := g.sessions.List(r.Context(), tenantID, filter, limit, offset)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// UpdateStatusRequest is the JSON body for POST /api/sessions/{id}/status.
type UpdateStatusRequest struct {
	Status          string  `json:"status"`
	AssignedStaffID *string `json:"assigned_staff_id,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

func (g *Gateway) handleUpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	sess, err := g.sessions.UpdateStatus(r.Context(), tenantID, r.PathValue("id"),
		store.SessionStatus(req.Status), session.UpdateOptions{
			AssignedStaffID: req.AssignedStaffID,
			Reason:          req.Reason,
		})
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.MessageFilter{Type: store.MessageType(q.Get("type"))}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid before timestamp", store.ErrValidation))
			return
		}
		filter.Before = t
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid after timestamp", store.ErrValidation))
			return
		}
		filter.After = t
	}
	limit, offset := pageParams(r)

	msgs, err := g.messages.ListBySession(r.Context(), tenantID, r.PathValue("id"), filter, limit, offset)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageToResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

// SearchRequest is the JSON body for POST /api/messages/search.
type SearchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (g *Gateway) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var req SearchRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	filter := store.SearchFilter{SessionID: req.SessionID, SenderID: req.SenderID}
	if req.Start != "" {
		t, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid start timestamp", store.ErrValidation))
			return
		}
		filter.Start = t
	}
	if req.End != "" {
		t, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid end timestamp", store.ErrValidation))
			return
		}
		filter.End = t
	}

	msgs, err := g.messages.Search(r.Context(), tenantID, req.Query, filter, req.Limit, req.Offset)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageToResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

// MessageStatusRequest is the JSON body for POST /api/messages/{id}/status.
type MessageStatusRequest struct {
	Status string `json:"status"`
}

func (g *Gateway) handleUpdateMessageStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		g.writeError(w, fmt.Errorf("%w: message id must be an integer", store.ErrValidation))
		return
	}

	var req MessageStatusRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	if err := g.messages.UpdateStatus(r.Context(), tenantID, messageID, store.MessageStatus(req.Status)); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// WebhookRequest is the JSON body for POST /api/webhooks/{platform}: an
// inbound user message from a platform adapter.
type WebhookRequest struct {
	UserID      string             `json:"user_id"`
	Content     string             `json:"content"`
	Type        string             `json:"type,omitempty"`
	SenderName  string             `json:"sender_name,omitempty"`
	Timestamp   string             `json:"timestamp,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var req WebhookRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	in := message.IngestInput{
		UserID:      req.UserID,
		Platform:    r.PathValue("platform"),
		Content:     req.Content,
		Type:        store.MessageType(req.Type),
		SenderName:  req.SenderName,
		Attachments: req.Attachments,
	}
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid timestamp", store.ErrValidation))
			return
		}
		in.Timestamp = t
	}

	msg, sess, err := g.messages.Ingest(r.Context(), tenantID, in)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sessionToResponse(sess),
		"message": messageToResponse(msg),
	})
}

// ContextRequest is the JSON body for POST /api/context.
type ContextRequest struct {
	SessionID             string `json:"session_id"`
	MaxTokens             int    `json:"max_tokens,omitempty"`
	SystemPrompt          string `json:"system_prompt,omitempty"`
	WindowSize            int    `json:"window_size,omitempty"`
	IncludeSessionSummary bool   `json:"include_session_summary,omitempty"`
}

func (g *Gateway) handleBuildContext(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var req ContextRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	if req.SessionID == "" {
		g.writeError(w, fmt.Errorf("%w: session_id is required", store.ErrValidation))
		return
	}

	// The session check also closes the cross-tenant hole before history
	// is read.
	if _, err := g.sessions.Get(r.Context(), tenantID, req.SessionID); err != nil {
		g.writeError(w, err)
		return
	}

	opts := contextwin.Options{
		MaxTokens:             req.MaxTokens,
		SystemPrompt:          req.SystemPrompt,
		WindowSize:            req.WindowSize,
		IncludeSessionSummary: req.IncludeSessionSummary,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = g.cfg.Context.DefaultMaxTokens
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = g.cfg.Context.DefaultWindow
	}

	win, err := g.builder.Build(r.Context(), tenantID, req.SessionID, opts)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (g *Gateway) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	if _, err := g.sessions.Get(r.Context(), tenantID, sessionID); err != nil {
		g.writeError(w, err)
		return
	}

	maxLen, _ := strconv.Atoi(r.URL.Query().Get("max_len"))
	summary, err := g.builder.Summary(r.Context(), tenantID, sessionID, maxLen)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (g *Gateway) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := g.tenant(w, r)
	if !ok {
		return
	}

	var start, end time.Time
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid start timestamp", store.ErrValidation))
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.writeError(w, fmt.Errorf("%w: invalid end timestamp", store.ErrValidation))
			return
		}
		end = t
	}

	stats, err := g.messages.Stats(r.Context(), tenantID, start, end)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     stats.Total,
		"by_type":   stats.ByType,
		"by_sender": stats.BySender,
	})
}
