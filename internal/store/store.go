// ABOUTME: Store types and errors for relayd persistence
// ABOUTME: Defines Session, Message structs and the enums shared by all services

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist or belongs
// to a different tenant. The two cases are deliberately indistinguishable so
// callers cannot probe for sessions outside their tenant.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActiveSession is returned when an insert would violate the
// one-active-session-per-(tenant, user, platform) constraint.
var ErrDuplicateActiveSession = errors.New("active session already exists")

// ErrValidation marks a request rejected before reaching storage. Services
// wrap it with the specific complaint.
var ErrValidation = errors.New("invalid request")

// SessionStatus is the lifecycle state of a support session.
type SessionStatus string

const (
	StatusWaiting     SessionStatus = "waiting"
	StatusActive      SessionStatus = "active"
	StatusTransferred SessionStatus = "transferred"
	StatusClosed      SessionStatus = "closed"
	StatusTimeout     SessionStatus = "timeout"
)

// Terminal reports whether no further status transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusTimeout
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusTransferred, StatusClosed, StatusTimeout:
		return true
	}
	return false
}

// MessageType classifies message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageVideo    MessageType = "video"
	MessageLocation MessageType = "location"
	MessageSystem   MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVoice, MessageVideo, MessageLocation, MessageSystem:
		return true
	}
	return false
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderStaff  SenderType = "staff"
	SenderBot    SenderType = "bot"
	SenderSystem SenderType = "system"
)

// Valid reports whether s is a known sender type.
func (s SenderType) Valid() bool {
	switch s {
	case SenderUser, SenderStaff, SenderBot, SenderSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Valid reports whether m is a known message status.
func (m MessageStatus) Valid() bool {
	switch m {
	case MessageSent, MessageDelivered, MessageRead, MessageFailed:
		return true
	}
	return false
}

// ExtraData is the schemaless extension point carried by every session.
// Values round-trip through a JSON column; use the typed accessors instead
// of indexing the map directly.
type ExtraData map[string]any

// Get returns the value for key, or def if the key is absent.
func (e ExtraData) Get(key string, def any) any {
	if e == nil {
		return def
	}
	if v, ok := e[key]; ok {
		return v
	}
	return def
}

// Set stores value under key, allocating the map if needed. Returns the map
// so callers holding a nil ExtraData can capture the allocation.
func (e ExtraData) Set(key string, value any) ExtraData {
	if e == nil {
		e = make(ExtraData)
	}
	e[key] = value
	return e
}

// Session is a bounded conversation between an end user and the support
// organization. Every read and write is scoped by (ID, TenantID).
type Session struct {
	ID              string
	TenantID        string
	UserID          string // platform-qualified, e.g. "webchat:alice"
	Platform        string
	Status          SessionStatus
	AssignedStaffID *string
	Priority        int // 1-10, higher is more urgent
	ExtraData       ExtraData
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastMessageAt   *time.Time
	ClosedAt        *time.Time
}

// IsActive reports whether the session still accepts user traffic.
func (s *Session) IsActive() bool {
	return s.Status == StatusWaiting || s.Status == StatusActive
}

// Attachment is a structured reference to an uploaded file.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an immutable entry in a session's append-only log. Only Status
// may change after creation.
type Message struct {
	ID          int64
	TenantID    string
	SessionID   string
	Content     string
	Type        MessageType
	SenderType  SenderType
	SenderID    string
	SenderName  string
	Timestamp   time.Time // event time, supplied by the producer
	CreatedAt   time.Time // storage time
	Attachments []Attachment
	Status      MessageStatus
}

// SessionFilter narrows ListSessions results. Zero values match everything.
type SessionFilter struct {
	Status          SessionStatus
	AssignedStaffID string
	Platform        string
}

// MessageFilter narrows ListMessages results. Zero values match everything.
type MessageFilter struct {
	Type   MessageType
	Before time.Time
	After  time.Time
}

// SearchFilter narrows SearchMessages results.
type SearchFilter struct {
	SessionID string
	SenderID  string
	Start     time.Time
	End       time.Time
}

// MessageStats aggregates message counts for a tenant.
type MessageStats struct {
	Total    int64
	ByType   map[MessageType]int64
	BySender map[SenderType]int64
}
