package chat

import (
	"fmt"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type ConversationKind string

const (
	KindDirect        ConversationKind = "direct"
	KindGroup         ConversationKind = "group"
	KindContentLinked ConversationKind = "content_linked"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageMediaRef MessageKind = "media_ref"
)

type Conversation struct {
	ID              int64            `json:"id"`
	Kind            ConversationKind `json:"kind"`
	Title           string           `json:"title,omitempty"`
	LinkedContentID string           `json:"linked_content_id,omitempty"` // only for content_linked
	CreatedBy       int64            `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	LastMessageAt   *time.Time       `json:"last_message_at,omitempty"`
	Archived        bool             `json:"archived"`
}

type Participant struct {
	ConversationID int64      `json:"conversation_id"`
	UserID         int64      `json:"user_id"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

// Active reports whether the participant has not left.
func (p *Participant) Active() bool { return p != nil && p.LeftAt == nil }

type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
}

// Cursor returns the pagination position of m.
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// redact blanks the content of soft-deleted messages before they leave the store.
func (m *Message) redact() {
	if m.DeletedAt != nil {
		m.Content = ""
	}
}

// Page is one slice of history, newest first.
type Page struct {
	Messages   []*Message `json:"messages"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// directKey is the unordered-pair key that makes direct conversations unique.
func directKey(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// contentKey makes content-linked conversations unique per (content, pair).
func contentKey(contentID string, a, b int64) string {
	lo, hi := directKey(a, b)
	return fmt.Sprintf("%s:%d:%d", contentID, lo, hi)
}
