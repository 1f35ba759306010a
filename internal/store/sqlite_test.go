// ABOUTME: Tests for the SQLite store covering session and message persistence
// ABOUTME: Exercises tenant scoping, the one-active-session index, and ordering

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "relayd.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(tenantID, userID, platform string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Platform:  platform,
		Status:    StatusWaiting,
		Priority:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testMessage(tenantID, sessionID string) *Message {
	now := time.Now().UTC().Truncate(time.Second)
	return &Message{
		TenantID:   tenantID,
		SessionID:  sessionID,
		Content:    "hello",
		Type:       MessageText,
		SenderType: SenderUser,
		SenderID:   "webchat:alice",
		Timestamp:  now,
		CreatedAt:  now,
		Status:     MessageSent,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	sess.ExtraData = ExtraData{"source": "landing-page"}

	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "tenant-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "webchat:alice" {
		t.Errorf("UserID = %q, want %q", got.UserID, "webchat:alice")
	}
	if got.Status != StatusWaiting {
		t.Errorf("Status = %q, want %q", got.Status, StatusWaiting)
	}
	if got.Priority != 5 {
		t.Errorf("Priority = %d, want 5", got.Priority)
	}
	if got.ExtraData.Get("source", "") != "landing-page" {
		t.Errorf("ExtraData source = %v, want landing-page", got.ExtraData.Get("source", ""))
	}
	if got.AssignedStaffID != nil {
		t.Errorf("AssignedStaffID = %v, want nil", got.AssignedStaffID)
	}
}

func TestGetSessionWrongTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	_, err := s.GetSession(ctx, "tenant-2", sess.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant GetSession error = %v, want ErrNotFound", err)
	}
}

func TestDuplicateActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}

	second := testSession("tenant-1", "webchat:alice", "webchat")
	err := s.CreateSession(ctx, second)
	if !errors.Is(err, ErrDuplicateActiveSession) {
		t.Fatalf("duplicate CreateSession error = %v, want ErrDuplicateActiveSession", err)
	}

	// Closing the first session frees the slot
	first.Status = StatusClosed
	now := time.Now().UTC()
	first.ClosedAt = &now
	first.UpdatedAt = now
	if err := s.UpdateSession(ctx, first, StatusWaiting); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, second); err != nil {
		t.Errorf("CreateSession after close failed: %v", err)
	}
}

func TestDuplicateAllowedAcrossPlatforms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("tenant-1", "webchat:alice", "webchat")); err != nil {
		t.Fatalf("webchat CreateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("tenant-1", "telegram:alice", "telegram")); err != nil {
		t.Errorf("telegram CreateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("tenant-2", "webchat:alice", "webchat")); err != nil {
		t.Errorf("other-tenant CreateSession failed: %v", err)
	}
}

func TestGetActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveSession(ctx, "tenant-1", "webchat:alice", "webchat")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetActiveSession on empty store = %v, want ErrNotFound", err)
	}

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetActiveSession(ctx, "tenant-1", "webchat:alice", "webchat")
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("GetActiveSession ID = %q, want %q", got.ID, sess.ID)
	}

	// Terminal sessions are invisible to GetActiveSession
	sess.Status = StatusClosed
	sess.UpdatedAt = time.Now().UTC()
	if err := s.UpdateSession(ctx, sess, StatusWaiting); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	_, err = s.GetActiveSession(ctx, "tenant-1", "webchat:alice", "webchat")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActiveSession after close = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("tenant-1", "webchat:alice", "webchat")

	err := s.UpdateSession(context.Background(), sess, StatusWaiting)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSession on missing row = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionStaleStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Session was closed underneath the caller
	closed := *sess
	closed.Status = StatusClosed
	now := time.Now().UTC()
	closed.ClosedAt = &now
	if err := s.UpdateSession(ctx, &closed, StatusWaiting); err != nil {
		t.Fatalf("closing UpdateSession failed: %v", err)
	}

	// A write still guarded on the stale waiting status must miss
	stale := *sess
	stale.Status = StatusActive
	err := s.UpdateSession(ctx, &stale, StatusWaiting)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale UpdateSession = %v, want ErrNotFound", err)
	}

	got, err := s.GetSession(ctx, "tenant-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != StatusClosed {
		t.Errorf("Status = %q, want %q after losing the race", got.Status, StatusClosed)
	}
}

func TestCreateSessionCheckViolationIsNotDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	sess.Status = "bogus"
	err := s.CreateSession(ctx, sess)
	if err == nil {
		t.Fatal("CreateSession with invalid status succeeded")
	}
	if errors.Is(err, ErrDuplicateActiveSession) {
		t.Errorf("CHECK violation misreported as ErrDuplicateActiveSession: %v", err)
	}
}

func TestTouchSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second).Add(time.Minute)
	if err := s.TouchSession(ctx, "tenant-1", sess.ID, at); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "tenant-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(at) {
		t.Errorf("LastMessageAt = %v, want %v", got.LastMessageAt, at)
	}
}

func TestListSessionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	staffID := "staff-7"

	waiting := testSession("tenant-1", "webchat:alice", "webchat")
	active := testSession("tenant-1", "telegram:bob", "telegram")
	active.Status = StatusActive
	active.AssignedStaffID = &staffID
	other := testSession("tenant-2", "webchat:carol", "webchat")

	for _, sess := range []*Session{waiting, active, other} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	all, err := s.ListSessions(ctx, "tenant-1", SessionFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}

	actives, err := s.ListSessions(ctx, "tenant-1", SessionFilter{Status: StatusActive}, 0, 0)
	if err != nil {
		t.Fatalf("ListSessions by status failed: %v", err)
	}
	if len(actives) != 1 || actives[0].ID != active.ID {
		t.Errorf("status filter returned wrong sessions: %v", actives)
	}

	byStaff, err := s.ListSessions(ctx, "tenant-1", SessionFilter{AssignedStaffID: staffID}, 0, 0)
	if err != nil {
		t.Fatalf("ListSessions by staff failed: %v", err)
	}
	if len(byStaff) != 1 || byStaff[0].ID != active.ID {
		t.Errorf("staff filter returned wrong sessions: %v", byStaff)
	}

	byPlatform, err := s.ListSessions(ctx, "tenant-1", SessionFilter{Platform: "webchat"}, 0, 0)
	if err != nil {
		t.Fatalf("ListSessions by platform failed: %v", err)
	}
	if len(byPlatform) != 1 || byPlatform[0].ID != waiting.ID {
		t.Errorf("platform filter returned wrong sessions: %v", byPlatform)
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msg := testMessage("tenant-1", sess.ID)
	msg.SenderName = "Alice"
	msg.Attachments = []Attachment{{URL: "https://cdn.example.com/a.png", MimeType: "image/png"}}

	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("SaveMessage did not assign an ID")
	}

	got, err := s.GetMessage(ctx, "tenant-1", msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("Content = %q, want %q", got.Content, "hello")
	}
	if got.SenderName != "Alice" {
		t.Errorf("SenderName = %q, want Alice", got.SenderName)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "https://cdn.example.com/a.png" {
		t.Errorf("Attachments = %v", got.Attachments)
	}

	_, err = s.GetMessage(ctx, "tenant-2", msg.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant GetMessage = %v, want ErrNotFound", err)
	}
}

func TestMessageIDsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var lastID int64
	for range 5 {
		msg := testMessage("tenant-1", sess.ID)
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		if msg.ID <= lastID {
			t.Errorf("message ID %d not greater than previous %d", msg.ID, lastID)
		}
		lastID = msg.ID
	}
}

func TestListMessagesOrderingAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		msg := testMessage("tenant-1", sess.ID)
		msg.Content = string(rune('a' + i))
		msg.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "tenant-1", sess.ID, MessageFilter{}, 3, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// newest first
	if msgs[0].Content != "e" || msgs[1].Content != "d" || msgs[2].Content != "c" {
		t.Errorf("ordering wrong: %q %q %q", msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}

	page2, err := s.ListMessages(ctx, "tenant-1", sess.ID, MessageFilter{}, 3, 3)
	if err != nil {
		t.Fatalf("ListMessages page 2 failed: %v", err)
	}
	if len(page2) != 2 || page2[0].Content != "b" || page2[1].Content != "a" {
		t.Errorf("page 2 wrong: %v", page2)
	}
}

func TestListMessagesSameTimestampTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Second)
	var ids []int64
	for range 3 {
		msg := testMessage("tenant-1", sess.ID)
		msg.Timestamp = ts
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	msgs, err := s.ListMessages(ctx, "tenant-1", sess.ID, MessageFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// equal timestamps fall back to id DESC
	if msgs[0].ID != ids[2] || msgs[1].ID != ids[1] || msgs[2].ID != ids[0] {
		t.Errorf("tie-break ordering wrong: %d %d %d", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestListMessagesTypeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	text := testMessage("tenant-1", sess.ID)
	image := testMessage("tenant-1", sess.ID)
	image.Type = MessageImage
	for _, m := range []*Message{text, image} {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	images, err := s.ListMessages(ctx, "tenant-1", sess.ID, MessageFilter{Type: MessageImage}, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(images) != 1 || images[0].ID != image.ID {
		t.Errorf("type filter returned wrong messages: %v", images)
	}
}

func TestSearchMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	contents := []string{"my order is late", "refund please", "where is my order"}
	for _, c := range contents {
		msg := testMessage("tenant-1", sess.ID)
		msg.Content = c
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	hits, err := s.SearchMessages(ctx, "tenant-1", "order", SearchFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}

	none, err := s.SearchMessages(ctx, "tenant-2", "order", SearchFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("cross-tenant SearchMessages failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("cross-tenant search returned %d hits, want 0", len(none))
	}
}

func TestSearchMessagesEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msg := testMessage("tenant-1", sess.ID)
	msg.Content = "discount is 50% off"
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	hits, err := s.SearchMessages(ctx, "tenant-1", "50%", SearchFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits for literal %%, want 1", len(hits))
	}

	hits, err = s.SearchMessages(ctx, "tenant-1", "60%", SearchFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for non-matching literal, want 0", len(hits))
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg := testMessage("tenant-1", sess.ID)
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := s.UpdateMessageStatus(ctx, "tenant-1", msg.ID, MessageRead); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	got, err := s.GetMessage(ctx, "tenant-1", msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Status != MessageRead {
		t.Errorf("Status = %q, want %q", got.Status, MessageRead)
	}

	err = s.UpdateMessageStatus(ctx, "tenant-2", msg.ID, MessageRead)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant UpdateMessageStatus = %v, want ErrNotFound", err)
	}
}

func TestMessageStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("tenant-1", "webchat:alice", "webchat")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	userText := testMessage("tenant-1", sess.ID)
	staffText := testMessage("tenant-1", sess.ID)
	staffText.SenderType = SenderStaff
	staffText.SenderID = "staff-7"
	userImage := testMessage("tenant-1", sess.ID)
	userImage.Type = MessageImage
	for _, m := range []*Message{userText, staffText, userImage} {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	stats, err := s.MessageStatistics(ctx, "tenant-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("MessageStatistics failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByType[MessageText] != 2 || stats.ByType[MessageImage] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.BySender[SenderUser] != 2 || stats.BySender[SenderStaff] != 1 {
		t.Errorf("BySender = %v", stats.BySender)
	}
}
