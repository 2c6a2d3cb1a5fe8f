package chat

import (
	"context"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the only writer of conversations, participants and messages.
// Implementations return the sentinel errors from errors.go; infrastructure
// failures are wrapped in ErrTransientStore and are not retried internally.
type Store interface {
	// Append persists a message. The sender must be an active participant.
	Append(ctx context.Context, conversationID, senderID int64, content string, kind MessageKind) (*Message, error)
	// PageMessages returns up to limit messages strictly before the cursor,
	// newest first, and whether older messages remain.
	PageMessages(ctx context.Context, conversationID int64, before *Cursor, limit int) ([]*Message, bool, error)
	EditMessage(ctx context.Context, messageID, editorID int64, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (*Message, error)

	// GetOrCreateDirect returns the single direct conversation for the
	// unordered pair, creating it on first use.
	GetOrCreateDirect(ctx context.Context, a, b int64) (*Conversation, error)
	// GetOrCreateContentLinked is the same for a (content, pair) triple.
	GetOrCreateContentLinked(ctx context.Context, contentID, title string, a, b int64) (*Conversation, error)
	CreateGroup(ctx context.Context, creatorID int64, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	ConversationsOf(ctx context.Context, userID int64) ([]*Conversation, error)

	// GetParticipant returns the row even when the participant has left;
	// a missing row is (nil, nil).
	GetParticipant(ctx context.Context, conversationID, userID int64) (*Participant, error)
	// AddParticipant inserts the row or clears left_at on an existing one,
	// keeping its role.
	AddParticipant(ctx context.Context, conversationID, userID int64, role Role) (*Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
	// ActiveMembers lists users that have not left.
	ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error)
	MarkRead(ctx context.Context, conversationID, userID int64, at time.Time) error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
