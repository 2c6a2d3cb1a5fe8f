package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alumni-chat/internal/metrics"
	"alumni-chat/internal/presence"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const maxContentLength = 4000

// Hub is the messaging service: it validates client intents, persists
// through the store, updates membership through the room manager and hands
// fan-out to the relay. Every instance applies relayed envelopes with its
// local broadcast engine.
type Hub struct {
	store    Store
	rooms    *RoomManager
	engine   *Engine
	gateway  *Gateway
	tracker  *presence.Tracker
	relay    Relay
	log      *zap.Logger
	pageSize int

	creates singleflight.Group
}

type HubConfig struct {
	Store    Store
	Rooms    *RoomManager
	Engine   *Engine
	Gateway  *Gateway
	Tracker  *presence.Tracker
	Relay    Relay
	Logger   *zap.Logger
	PageSize int
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Hub{
		store:    cfg.Store,
		rooms:    cfg.Rooms,
		engine:   cfg.Engine,
		gateway:  cfg.Gateway,
		tracker:  cfg.Tracker,
		relay:    cfg.Relay,
		log:      cfg.Logger.Named("hub"),
		pageSize: cfg.PageSize,
	}
}

// Run applies relayed envelopes and turns presence transitions into
// notifications until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	envs, err := h.relay.Subscribe(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for env := range envs {
			h.apply(ctx, env)
		}
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			ev, err := h.tracker.Next(ctx)
			if err != nil {
				return err
			}
			h.announcePresence(ctx, ev)
		}
	})
	return g.Wait()
}

func (h *Hub) apply(ctx context.Context, env Envelope) {
	exclude := presence.NewSet(env.ExcludeConnections...)
	if env.ExcludeUser != 0 {
		exclude.Union(h.tracker.ConnectionsOf(env.ExcludeUser))
	}

	switch env.Kind {
	case EnvelopeConversation:
		if _, err := h.engine.Broadcast(ctx, env.ConversationID, env.Payload, exclude); err != nil {
			h.log.Error("broadcast failed", zap.Int64("conversation_id", env.ConversationID), zap.Error(err))
		}
	case EnvelopeUsers:
		h.engine.NotifyUsers(env.UserIDs, env.Payload, exclude)
	case EnvelopeInvalidate:
		h.rooms.Invalidate(env.ConversationID)
	default:
		h.log.Warn("unknown envelope kind", zap.String("kind", string(env.Kind)))
	}
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if err := h.relay.Publish(ctx, env); err != nil {
		h.log.Error("relay publish failed",
			zap.String("kind", string(env.Kind)),
			zap.Int64("conversation_id", env.ConversationID),
			zap.Error(err))
	}
}

// announcePresence tells everyone who shares an active conversation with
// the user, once per connection.
func (h *Hub) announcePresence(ctx context.Context, ev presence.Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	convs, err := h.store.ConversationsOf(ctx, ev.UserID)
	if err != nil {
		h.log.Warn("presence fan-out skipped", zap.Int64("user_id", ev.UserID), zap.Error(err))
		return
	}
	seen := make(map[int64]struct{})
	var contacts []int64
	for _, c := range convs {
		members, err := h.rooms.MembersOf(ctx, c.ID)
		if err != nil {
			continue
		}
		for _, uid := range members {
			if uid == ev.UserID {
				continue
			}
			if _, ok := seen[uid]; !ok {
				seen[uid] = struct{}{}
				contacts = append(contacts, uid)
			}
		}
	}
	if len(contacts) == 0 {
		return
	}

	typ := EventOnline
	if ev.Kind == presence.Offline {
		typ = EventOffline
	}
	h.publish(ctx, Envelope{
		Kind:    EnvelopeUsers,
		UserIDs: contacts,
		Payload: EncodeFrame(typ, PresencePayload{UserID: ev.UserID}),
	})
}

// OpenDirect returns the direct conversation between two users. Concurrent
// calls for the same pair inside this process share one store round trip;
// across processes the store's unique pair key settles the race.
func (h *Hub) OpenDirect(ctx context.Context, userID, otherID int64) (*Conversation, error) {
	if otherID == 0 || userID == otherID {
		return nil, ErrInvalidArgument
	}
	lo, hi := directKey(userID, otherID)
	v, err, _ := h.creates.Do(fmt.Sprintf("direct:%d:%d", lo, hi), func() (any, error) {
		return h.store.GetOrCreateDirect(ctx, userID, otherID)
	})
	if err != nil {
		return nil, h.storeErr("get or create direct", err, zap.Int64("user_id", userID), zap.Int64("other_id", otherID))
	}
	return v.(*Conversation), nil
}

// OpenContentConversation is the entry point for the posting-response
// workflow: a conversation about contentID between its owner and a
// responder. The content id and title are stored as given.
func (h *Hub) OpenContentConversation(ctx context.Context, contentID, title string, responderID, ownerID int64) (*Conversation, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" || ownerID == 0 || responderID == ownerID {
		return nil, ErrInvalidArgument
	}
	v, err, _ := h.creates.Do("content:"+contentKey(contentID, responderID, ownerID), func() (any, error) {
		return h.store.GetOrCreateContentLinked(ctx, contentID, title, responderID, ownerID)
	})
	if err != nil {
		return nil, h.storeErr("get or create content conversation", err, zap.String("content_id", contentID))
	}
	return v.(*Conversation), nil
}

// CreateGroup opens a self-service group with the creator as admin.
func (h *Hub) CreateGroup(ctx context.Context, creatorID int64, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidArgument
	}
	conv, err := h.store.CreateGroup(ctx, creatorID, title)
	if err != nil {
		return nil, h.storeErr("create group", err, zap.Int64("user_id", creatorID))
	}
	return conv, nil
}

// Conversations lists the user's active conversations, most recent first.
func (h *Hub) Conversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	convs, err := h.store.ConversationsOf(ctx, userID)
	if err != nil {
		return nil, h.storeErr("conversations of", err, zap.Int64("user_id", userID))
	}
	return convs, nil
}

// Join adds the user to the conversation and tells the other members.
func (h *Hub) Join(ctx context.Context, conversationID, userID int64) (Role, error) {
	role, changed, err := h.rooms.Join(ctx, conversationID, userID)
	if err != nil {
		return "", h.storeErr("join", err, zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	}
	if !changed {
		return role, nil
	}
	h.publish(ctx, Envelope{Kind: EnvelopeInvalidate, ConversationID: conversationID})
	h.publish(ctx, Envelope{
		Kind:           EnvelopeConversation,
		ConversationID: conversationID,
		ExcludeUser:    userID,
		Payload:        EncodeFrame(EventJoined, MembershipPayload{ConversationID: conversationID, UserID: userID, Role: role}),
	})
	return role, nil
}

// Leave removes the user from the conversation and tells the remaining room.
func (h *Hub) Leave(ctx context.Context, conversationID, userID int64) error {
	if err := h.rooms.Leave(ctx, conversationID, userID); err != nil {
		return h.storeErr("leave", err, zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	}
	h.publish(ctx, Envelope{Kind: EnvelopeInvalidate, ConversationID: conversationID})
	h.publish(ctx, Envelope{
		Kind:           EnvelopeConversation,
		ConversationID: conversationID,
		Payload:        EncodeFrame(EventLeft, MembershipPayload{ConversationID: conversationID, UserID: userID}),
	})
	return nil
}

// Send persists a message and fans it out to the room, excluding every
// connection of the sender. A sender who is not yet in a group joins it
// first; other kinds reject non-participants.
func (h *Hub) Send(ctx context.Context, senderID int64, in SendPayload) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if in.ConversationID == 0 || content == "" || len(content) > maxContentLength {
		return nil, ErrInvalidArgument
	}
	if in.Kind != "" && in.Kind != MessageText && in.Kind != MessageMediaRef {
		return nil, ErrInvalidArgument
	}

	msg, err := h.store.Append(ctx, in.ConversationID, senderID, content, in.Kind)
	if errors.Is(err, ErrSenderNotParticipant) {
		if _, jerr := h.Join(ctx, in.ConversationID, senderID); jerr != nil {
			return nil, jerr
		}
		msg, err = h.store.Append(ctx, in.ConversationID, senderID, content, in.Kind)
	}
	if err != nil {
		return nil, h.storeErr("append", err, zap.Int64("conversation_id", in.ConversationID), zap.Int64("user_id", senderID))
	}
	metrics.MessagesAppended.Inc()

	h.publish(ctx, Envelope{
		Kind:           EnvelopeConversation,
		ConversationID: in.ConversationID,
		ExcludeUser:    senderID,
		Payload:        EncodeFrame(EventMessageNew, MessagePayload{Message: msg}),
	})
	return msg, nil
}

// Edit rewrites a message's content; only its sender may do so.
func (h *Hub) Edit(ctx context.Context, userID int64, in EditPayload) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if in.MessageID == 0 || content == "" || len(content) > maxContentLength {
		return nil, ErrInvalidArgument
	}
	msg, err := h.store.EditMessage(ctx, in.MessageID, userID, content)
	if err != nil {
		return nil, h.storeErr("edit", err, zap.Int64("message_id", in.MessageID), zap.Int64("user_id", userID))
	}
	h.publish(ctx, Envelope{
		Kind:           EnvelopeConversation,
		ConversationID: msg.ConversationID,
		Payload:        EncodeFrame(EventMessageUpdated, MessagePayload{Message: msg}),
	})
	return msg, nil
}

// Delete soft-deletes a message; only its sender may do so.
func (h *Hub) Delete(ctx context.Context, userID int64, in DeletePayload) (*Message, error) {
	if in.MessageID == 0 {
		return nil, ErrInvalidArgument
	}
	msg, err := h.store.DeleteMessage(ctx, in.MessageID, userID)
	if err != nil {
		return nil, h.storeErr("delete", err, zap.Int64("message_id", in.MessageID), zap.Int64("user_id", userID))
	}
	h.publish(ctx, Envelope{
		Kind:           EnvelopeConversation,
		ConversationID: msg.ConversationID,
		Payload:        EncodeFrame(EventMessageDeleted, MessagePayload{Message: msg}),
	})
	return msg, nil
}

func (h *Hub) MarkRead(ctx context.Context, conversationID, userID int64) error {
	if err := h.store.MarkRead(ctx, conversationID, userID, time.Now().UTC()); err != nil {
		return h.storeErr("mark read", err, zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	}
	return nil
}

// History returns one page of messages, newest first. Only active
// participants may read.
func (h *Hub) History(ctx context.Context, userID, conversationID int64, before string, limit int) (*Page, error) {
	cursor, err := ParseCursor(before)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = h.pageSize
	}

	p, err := h.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, h.storeErr("get participant", err, zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
	}
	if !p.Active() {
		h.log.Info("history denied", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", userID))
		return nil, ErrForbidden
	}

	msgs, hasMore, err := h.store.PageMessages(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, h.storeErr("page", err, zap.Int64("conversation_id", conversationID))
	}
	page := &Page{Messages: msgs, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].Cursor().Encode()
	}
	return page, nil
}

// Dispatch handles one frame from a connection and answers on that
// connection. It runs on the connection's own read goroutine.
func (h *Hub) Dispatch(ctx context.Context, c *Conn, f Frame) {
	var err error
	switch f.Type {
	case EventJoin:
		var in ConversationPayload
		if err = decode(f.Payload, &in); err == nil {
			var role Role
			if role, err = h.Join(ctx, in.ConversationID, c.UserID); err == nil {
				c.Enqueue(EncodeFrame(EventJoined, MembershipPayload{ConversationID: in.ConversationID, UserID: c.UserID, Role: role}))
			}
		}
	case EventLeave:
		var in ConversationPayload
		if err = decode(f.Payload, &in); err == nil {
			if err = h.Leave(ctx, in.ConversationID, c.UserID); err == nil {
				c.Enqueue(EncodeFrame(EventLeft, MembershipPayload{ConversationID: in.ConversationID, UserID: c.UserID}))
			}
		}
	case EventRead:
		var in ConversationPayload
		if err = decode(f.Payload, &in); err == nil {
			err = h.MarkRead(ctx, in.ConversationID, c.UserID)
		}
	case EventSend:
		var in SendPayload
		if err = decode(f.Payload, &in); err == nil {
			var msg *Message
			if msg, err = h.Send(ctx, c.UserID, in); err == nil {
				c.Enqueue(EncodeFrame(EventMessageAck, MessagePayload{Message: msg, ClientRef: in.ClientRef}))
			} else {
				c.Enqueue(errorFrame(err, in.ClientRef))
				return
			}
		}
	case EventEdit:
		var in EditPayload
		if err = decode(f.Payload, &in); err == nil {
			_, err = h.Edit(ctx, c.UserID, in)
		}
	case EventDelete:
		var in DeletePayload
		if err = decode(f.Payload, &in); err == nil {
			_, err = h.Delete(ctx, c.UserID, in)
		}
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidArgument, f.Type)
	}
	if err != nil {
		c.Enqueue(errorFrame(err, ""))
	}
}

// storeErr logs infrastructure failures with context and passes the error on.
func (h *Hub) storeErr(op string, err error, fields ...zap.Field) error {
	if errors.Is(err, ErrTransientStore) {
		metrics.StoreErrors.WithLabelValues(op).Inc()
		h.log.Error(op+" failed", append(fields, zap.Error(err))...)
	}
	return err
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrInvalidArgument
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// PublicError maps an error to a client-safe code and message. Internal
// detail never leaves the server.
func PublicError(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		return "unauthorized", "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden", ErrForbidden.Error()
	case errors.Is(err, ErrConversationNotFound):
		return "not_found", ErrConversationNotFound.Error()
	case errors.Is(err, ErrMessageNotFound):
		return "not_found", ErrMessageNotFound.Error()
	case errors.Is(err, ErrInvalidCursor):
		return "invalid", ErrInvalidCursor.Error()
	case errors.Is(err, ErrInvalidArgument):
		return "invalid", ErrInvalidArgument.Error()
	default:
		return "unavailable", "try again"
	}
}

func errorFrame(err error, ref string) []byte {
	code, msg := PublicError(err)
	return EncodeFrame(EventError, ErrorPayload{Code: code, Message: msg, Ref: ref})
}
