package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It backs development runs
// without DB_DSN and the service tests.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nextConv int64
	nextMsg  int64

	convs   map[int64]*Conversation
	direct  map[[2]int64]int64
	content map[string]int64
	parts   map[int64]map[int64]*Participant
	msgs    map[int64][]*Message // ascending (created_at, id)
	byID    map[int64]*Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		convs:   make(map[int64]*Conversation),
		direct:  make(map[[2]int64]int64),
		content: make(map[string]int64),
		parts:   make(map[int64]map[int64]*Participant),
		msgs:    make(map[int64][]*Message),
		byID:    make(map[int64]*Message),
	}
}

// WithClock replaces the time source; tests use it to force equal timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Append(_ context.Context, conversationID, senderID int64, content string, kind MessageKind) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !s.parts[conversationID][senderID].Active() {
		return nil, ErrSenderNotParticipant
	}
	if conv.Archived {
		return nil, ErrForbidden
	}
	if kind == "" {
		kind = MessageText
	}

	s.nextMsg++
	m := &Message{
		ID:             s.nextMsg,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      s.now(),
	}

	list := s.msgs[conversationID]
	i := sort.Search(len(list), func(i int) bool {
		return !m.Cursor().Before(list[i].CreatedAt, list[i].ID)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.msgs[conversationID] = list
	s.byID[m.ID] = m

	if conv.LastMessageAt == nil || m.CreatedAt.After(*conv.LastMessageAt) {
		t := m.CreatedAt
		conv.LastMessageAt = &t
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) PageMessages(_ context.Context, conversationID int64, before *Cursor, limit int) ([]*Message, bool, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, false, ErrConversationNotFound
	}

	list := s.msgs[conversationID]
	out := make([]*Message, 0, limit)
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if before != nil && !before.Before(m.CreatedAt, m.ID) {
			continue
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, copyMessage(m))
	}
	return out, false, nil
}

func (s *MemoryStore) EditMessage(_ context.Context, messageID, editorID int64, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	if m.SenderID != editorID {
		return nil, ErrForbidden
	}
	t := s.now()
	m.Content = content
	m.EditedAt = &t
	return copyMessage(m), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID, userID int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	if m.SenderID != userID {
		return nil, ErrForbidden
	}
	t := s.now()
	m.DeletedAt = &t
	return copyMessage(m), nil
}

func (s *MemoryStore) GetOrCreateDirect(_ context.Context, a, b int64) (*Conversation, error) {
	if a == b {
		return nil, ErrInvalidArgument
	}
	lo, hi := directKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.direct[[2]int64{lo, hi}]; ok {
		return copyConversation(s.convs[id]), nil
	}
	conv := s.createLocked(KindDirect, "", "", a)
	s.direct[[2]int64{lo, hi}] = conv.ID
	s.addLocked(conv.ID, a, RoleMember)
	s.addLocked(conv.ID, b, RoleMember)
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetOrCreateContentLinked(_ context.Context, contentID, title string, a, b int64) (*Conversation, error) {
	if contentID == "" || a == b {
		return nil, ErrInvalidArgument
	}
	key := contentKey(contentID, a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.content[key]; ok {
		return copyConversation(s.convs[id]), nil
	}
	conv := s.createLocked(KindContentLinked, title, contentID, a)
	s.content[key] = conv.ID
	s.addLocked(conv.ID, a, RoleMember)
	s.addLocked(conv.ID, b, RoleMember)
	return copyConversation(conv), nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, creatorID int64, title string) (*Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.createLocked(KindGroup, title, "", creatorID)
	s.addLocked(conv.ID, creatorID, RoleAdmin)
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) ConversationsOf(_ context.Context, userID int64) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Conversation
	for id, members := range s.parts {
		if members[userID].Active() {
			out = append(out, copyConversation(s.convs[id]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, conversationID, userID int64) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	p, ok := s.parts[conversationID][userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, conversationID, userID int64, role Role) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	p := s.addLocked(conversationID, userID, role)
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, conversationID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return ErrConversationNotFound
	}
	p, ok := s.parts[conversationID][userID]
	if !ok || p.LeftAt != nil {
		return nil
	}
	t := s.now()
	p.LeftAt = &t
	return nil
}

func (s *MemoryStore) ActiveMembers(_ context.Context, conversationID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	var out []int64
	for uid, p := range s.parts[conversationID] {
		if p.Active() {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parts[conversationID][userID]
	if !ok || !p.Active() {
		return ErrForbidden
	}
	p.LastReadAt = &at
	return nil
}

func (s *MemoryStore) createLocked(kind ConversationKind, title, contentID string, createdBy int64) *Conversation {
	s.nextConv++
	conv := &Conversation{
		ID:              s.nextConv,
		Kind:            kind,
		Title:           title,
		LinkedContentID: contentID,
		CreatedBy:       createdBy,
		CreatedAt:       s.now(),
	}
	s.convs[conv.ID] = conv
	s.parts[conv.ID] = make(map[int64]*Participant)
	return conv
}

func (s *MemoryStore) addLocked(conversationID, userID int64, role Role) *Participant {
	if p, ok := s.parts[conversationID][userID]; ok {
		p.LeftAt = nil
		return p
	}
	p := &Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       s.now(),
	}
	s.parts[conversationID][userID] = p
	return p
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.redact()
	return &cp
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	return &cp
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
