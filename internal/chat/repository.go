package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conversationColumns = `id, kind, title, COALESCE(linked_content_id, ''), created_by, created_at, last_message_at, archived`

const messageColumns = `id, conversation_id, sender_id, content, kind, created_at, edited_at, deleted_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.Kind, &c.Title, &c.LinkedContentID, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.Archived)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	m.redact()
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Append takes the conversation row lock first so that appends to one
// conversation are serialized and created_at follows commit order.
func (r *Repository) Append(ctx context.Context, conversationID, senderID int64, content string, kind MessageKind) (*Message, error) {
	if kind == "" {
		kind = MessageText
	}
	var msg *Message
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			archived bool
			now      time.Time
		)
		err := tx.QueryRow(ctx, `
			UPDATE conversations SET last_message_at = clock_timestamp()
			WHERE id = $1
			RETURNING archived, last_message_at`, conversationID).Scan(&archived, &now)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		var active bool
		err = tx.QueryRow(ctx, `
			SELECT left_at IS NULL FROM participants
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, senderID).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
			return ErrSenderNotParticipant
		}
		if err != nil {
			return err
		}
		if archived {
			return ErrForbidden
		}

		msg, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, sender_id, content, kind, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+messageColumns, conversationID, senderID, content, kind, now))
		return err
	})
	if err != nil {
		return nil, domainOr(err, "append")
	}
	return msg, nil
}

func (r *Repository) PageMessages(ctx context.Context, conversationID int64, before *Cursor, limit int) ([]*Message, bool, error) {
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, conversationID, limit+1)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, conversationID, before.CreatedAt, before.ID, limit+1)
	}
	if err != nil {
		return nil, false, transient("page", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, transient("page", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, transient("page", err)
	}

	if len(msgs) == 0 {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, false, err
		}
	}
	if len(msgs) > limit {
		return msgs[:limit], true, nil
	}
	return msgs, false, nil
}

func (r *Repository) EditMessage(ctx context.Context, messageID, editorID int64, content string) (*Message, error) {
	return r.mutateMessage(ctx, messageID, editorID, `
		UPDATE messages SET content = $3, edited_at = now()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		RETURNING `+messageColumns, content)
}

func (r *Repository) DeleteMessage(ctx context.Context, messageID, userID int64) (*Message, error) {
	return r.mutateMessage(ctx, messageID, userID, `
		UPDATE messages SET deleted_at = now()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		RETURNING `+messageColumns)
}

// mutateMessage runs an owner-scoped update and, when nothing matched,
// works out whether the message is missing or owned by someone else.
func (r *Repository) mutateMessage(ctx context.Context, messageID, userID int64, query string, extra ...any) (*Message, error) {
	args := append([]any{messageID, userID}, extra...)
	m, err := scanMessage(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, transient("mutate message", err)
	}

	var sender int64
	err = r.pool.QueryRow(ctx, `SELECT sender_id FROM messages WHERE id = $1 AND deleted_at IS NULL`, messageID).Scan(&sender)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, transient("mutate message", err)
	}
	return nil, ErrForbidden
}

func (r *Repository) GetOrCreateDirect(ctx context.Context, a, b int64) (*Conversation, error) {
	if a == b {
		return nil, ErrInvalidArgument
	}
	lo, hi := directKey(a, b)
	return r.getOrCreatePair(ctx, KindDirect, fmt.Sprintf("direct:%d:%d", lo, hi), "", "", a, b)
}

func (r *Repository) GetOrCreateContentLinked(ctx context.Context, contentID, title string, a, b int64) (*Conversation, error) {
	if contentID == "" || a == b {
		return nil, ErrInvalidArgument
	}
	return r.getOrCreatePair(ctx, KindContentLinked, "content:"+contentKey(contentID, a, b), title, contentID, a, b)
}

// getOrCreatePair inserts with ON CONFLICT DO NOTHING. A concurrent creator
// blocks on the unique index until the winner commits, then gets no row back
// and reads the winner's conversation.
func (r *Repository) getOrCreatePair(ctx context.Context, kind ConversationKind, key, title, contentID string, a, b int64) (*Conversation, error) {
	if conv, err := r.conversationByKey(ctx, key); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	var conv *Conversation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `
			INSERT INTO conversations (kind, title, linked_content_id, pair_key, created_by)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5)
			ON CONFLICT (pair_key) DO NOTHING
			RETURNING `+conversationColumns, kind, title, contentID, key, a))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id, role)
			VALUES ($1, $2, 'member'), ($1, $3, 'member')
			ON CONFLICT DO NOTHING`, conv.ID, a, b)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return r.conversationByKey(ctx, key)
	}
	if err != nil {
		return nil, transient("create conversation", err)
	}
	return conv, nil
}

func (r *Repository) conversationByKey(ctx context.Context, key string) (*Conversation, error) {
	conv, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, transient("conversation by key", err)
	}
	return conv, nil
}

func (r *Repository) CreateGroup(ctx context.Context, creatorID int64, title string) (*Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidArgument
	}
	var conv *Conversation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, `
			INSERT INTO conversations (kind, title, created_by)
			VALUES ('group', $1, $2)
			RETURNING `+conversationColumns, title, creatorID))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id, role)
			VALUES ($1, $2, 'admin')`, conv.ID, creatorID)
		return err
	})
	if err != nil {
		return nil, transient("create group", err)
	}
	return conv, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	conv, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, transient("get conversation", err)
	}
	return conv, nil
}

func (r *Repository) ConversationsOf(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.kind, c.title, COALESCE(c.linked_content_id, ''), c.created_by, c.created_at, c.last_message_at, c.archived
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.left_at IS NULL
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`, userID)
	if err != nil {
		return nil, transient("conversations of", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, transient("conversations of", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("conversations of", err)
	}
	return out, nil
}

func (r *Repository) GetParticipant(ctx context.Context, conversationID, userID int64) (*Participant, error) {
	p := &Participant{}
	err := r.pool.QueryRow(ctx, `
		SELECT conversation_id, user_id, role, joined_at, left_at, last_read_at
		FROM participants WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID).
		Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.LastReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, transient("get participant", err)
	}
	return p, nil
}

func (r *Repository) AddParticipant(ctx context.Context, conversationID, userID int64, role Role) (*Participant, error) {
	p := &Participant{}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO participants (conversation_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET left_at = NULL
		RETURNING conversation_id, user_id, role, joined_at, left_at, last_read_at`,
		conversationID, userID, role).
		Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.LastReadAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrConversationNotFound
		}
		return nil, transient("add participant", err)
	}
	return p, nil
}

func (r *Repository) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE participants SET left_at = now()
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`, conversationID, userID)
	if err != nil {
		return transient("remove participant", err)
	}
	return nil
}

func (r *Repository) ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM participants
		WHERE conversation_id = $1 AND left_at IS NULL`, conversationID)
	if err != nil {
		return nil, transient("active members", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, transient("active members", err)
	}
	if len(ids) == 0 {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID, userID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE participants SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`, conversationID, userID, at)
	if err != nil {
		return transient("mark read", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrForbidden
	}
	return nil
}

// domainOr passes sentinel errors through and wraps everything else as transient.
func domainOr(err error, op string) error {
	switch {
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrInvalidArgument):
		return err
	}
	return transient(op, err)
}
