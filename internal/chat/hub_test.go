package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"alumni-chat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadOf[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func TestHub_GroupScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const alice, bob = int64(1), int64(2)

	group, err := h.hub.CreateGroup(ctx, alice, "Alumni 2020")
	require.NoError(t, err)
	p, err := h.store.GetParticipant(ctx, group.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)

	aliceTab := h.gateway.Register(alice, "alice")
	bobTab := h.gateway.Register(bob, "bob")

	h.hub.Dispatch(ctx, bobTab, Frame{Type: EventJoin, Payload: json.RawMessage(`{"conversation_id":1}`)})
	joined := payloadOf[MembershipPayload](t, nextOf(t, bobTab, EventJoined))
	assert.Equal(t, RoleMember, joined.Role)
	assert.Equal(t, bob, payloadOf[MembershipPayload](t, nextOf(t, aliceTab, EventJoined)).UserID)

	// bob drops off
	h.gateway.Deregister(bobTab.ID)
	assert.False(t, h.tracker.IsOnline(bob))

	_, err = h.hub.Send(ctx, alice, SendPayload{ConversationID: group.ID, Content: "Welcome"})
	require.NoError(t, err)

	// bob reconnects, re-joins and reads history
	h.gateway.Register(bob, "bob")
	_, err = h.hub.Join(ctx, group.ID, bob)
	require.NoError(t, err)

	page, err := h.hub.History(ctx, bob, group.ID, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, page.Messages)
	assert.Equal(t, "Welcome", page.Messages[0].Content)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestHub_SendExcludesAllSenderTabs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	tab1 := h.gateway.Register(1, "alice")
	tab2 := h.gateway.Register(1, "alice")
	bob := h.gateway.Register(2, "bob")

	h.hub.Dispatch(ctx, tab1, Frame{Type: EventSend, Payload: json.RawMessage(`{"conversation_id":1,"content":"hi","client_ref":"r1"}`)})

	ack := payloadOf[MessagePayload](t, nextOf(t, tab1, EventMessageAck))
	assert.Equal(t, "r1", ack.ClientRef)
	assert.Equal(t, conv.ID, ack.Message.ConversationID)

	got := payloadOf[MessagePayload](t, nextOf(t, bob, EventMessageNew))
	assert.Equal(t, "hi", got.Message.Content)

	// tab2 may see presence frames but never the message
	for {
		select {
		case raw := <-tab2.Outbox():
			var f Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			assert.NotEqual(t, EventMessageNew, f.Type)
			continue
		default:
		}
		break
	}
}

func TestHub_OpenDirectConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(1), int64(2)
			if i%2 == 0 {
				a, b = b, a
			}
			conv, err := h.hub.OpenDirect(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	_, err := h.hub.OpenDirect(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHub_HistoryRequiresActiveParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)

	_, err = h.hub.History(ctx, 3, conv.ID, "", 10)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.hub.History(ctx, 1, conv.ID, "not-a-cursor!", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)

	require.NoError(t, h.hub.Leave(ctx, conv.ID, 2))
	_, err = h.hub.History(ctx, 2, conv.ID, "", 10)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.hub.History(ctx, 1, 404, "", 10)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestHub_HistoryPagesWithCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		_, err := h.hub.Send(ctx, 1, SendPayload{ConversationID: conv.ID, Content: text})
		require.NoError(t, err)
	}

	var got []string
	before := ""
	for {
		page, err := h.hub.History(ctx, 2, conv.ID, before, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.Content)
		}
		if !page.HasMore {
			break
		}
		require.NotEmpty(t, page.NextCursor)
		before = page.NextCursor
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, got)
}

func TestHub_SendAutoJoinsGroupButNotDirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	group, err := h.hub.CreateGroup(ctx, 1, "Alumni 2020")
	require.NoError(t, err)
	_, err = h.hub.Send(ctx, 3, SendPayload{ConversationID: group.ID, Content: "hello all"})
	require.NoError(t, err)
	members, err := h.rooms.MembersOf(ctx, group.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, members)

	direct, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	_, err = h.hub.Send(ctx, 3, SendPayload{ConversationID: direct.ID, Content: "let me in"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHub_SendValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)

	for _, in := range []SendPayload{
		{ConversationID: conv.ID, Content: "   "},
		{ConversationID: 0, Content: "hi"},
		{ConversationID: conv.ID, Content: "hi", Kind: "sticker"},
		{ConversationID: conv.ID, Content: string(make([]byte, maxContentLength+1))},
	} {
		_, err := h.hub.Send(ctx, 1, in)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestHub_EditAndDeleteNotifyRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	bob := h.gateway.Register(2, "bob")

	msg, err := h.hub.Send(ctx, 1, SendPayload{ConversationID: conv.ID, Content: "helo"})
	require.NoError(t, err)
	nextOf(t, bob, EventMessageNew)

	_, err = h.hub.Edit(ctx, 2, EditPayload{MessageID: msg.ID, Content: "mine now"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.hub.Edit(ctx, 1, EditPayload{MessageID: msg.ID, Content: "hello"})
	require.NoError(t, err)
	updated := payloadOf[MessagePayload](t, nextOf(t, bob, EventMessageUpdated))
	assert.Equal(t, "hello", updated.Message.Content)

	_, err = h.hub.Delete(ctx, 1, DeletePayload{MessageID: msg.ID})
	require.NoError(t, err)
	deleted := payloadOf[MessagePayload](t, nextOf(t, bob, EventMessageDeleted))
	assert.Empty(t, deleted.Message.Content)
	assert.NotNil(t, deleted.Message.DeletedAt)
}

func TestHub_PresenceReachesCoMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	bob := h.gateway.Register(2, "bob")
	alice := h.gateway.Register(1, "alice")

	online := payloadOf[PresencePayload](t, nextOf(t, bob, EventOnline))
	assert.Equal(t, int64(1), online.UserID)

	h.gateway.Deregister(alice.ID)
	offline := payloadOf[PresencePayload](t, nextOf(t, bob, EventOffline))
	assert.Equal(t, int64(1), offline.UserID)
}

func TestHub_DispatchReportsPublicErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	carol := h.gateway.Register(3, "carol")

	h.hub.Dispatch(ctx, carol, Frame{Type: EventJoin, Payload: json.RawMessage(`{"conversation_id":1}`)})
	e := payloadOf[ErrorPayload](t, nextOf(t, carol, EventError))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "not part of this conversation", e.Message)

	h.hub.Dispatch(ctx, carol, Frame{Type: EventSend, Payload: json.RawMessage(`{"conversation_id":1,"content":"x","client_ref":"q"}`)})
	e = payloadOf[ErrorPayload](t, nextOf(t, carol, EventError))
	assert.Equal(t, "forbidden", e.Code)
	assert.Equal(t, "q", e.Ref)

	h.hub.Dispatch(ctx, carol, Frame{Type: "bogus"})
	e = payloadOf[ErrorPayload](t, nextOf(t, carol, EventError))
	assert.Equal(t, "invalid", e.Code)
}

func TestPublicError_HidesInternals(t *testing.T) {
	code, msg := PublicError(transient("append", errors.New("pq: connection refused on 10.0.0.3")))
	assert.Equal(t, "unavailable", code)
	assert.Equal(t, "try again", msg)

	code, _ = PublicError(ErrAuthenticationFailed)
	assert.Equal(t, "unauthorized", code)
	code, _ = PublicError(ErrMessageNotFound)
	assert.Equal(t, "not_found", code)
}

func TestHub_ReadMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)

	bob := h.gateway.Register(2, "bob")
	h.hub.Dispatch(ctx, bob, Frame{Type: EventRead, Payload: json.RawMessage(`{"conversation_id":1}`)})
	p, err := h.store.GetParticipant(ctx, conv.ID, 2)
	require.NoError(t, err)
	assert.NotNil(t, p.LastReadAt)

	assert.ErrorIs(t, h.hub.MarkRead(ctx, conv.ID, 3), ErrForbidden)
}

func TestHub_RepeatedJoinIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const alice, bob = int64(1), int64(2)

	group, err := h.hub.CreateGroup(ctx, alice, "Alumni 2020")
	require.NoError(t, err)
	aliceTab := h.gateway.Register(alice, "alice")

	_, err = h.hub.Join(ctx, group.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, payloadOf[MembershipPayload](t, nextOf(t, aliceTab, EventJoined)).UserID)

	role, err := h.hub.Join(ctx, group.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, role)

	// the relay is ordered, so the left notice must be the next membership frame
	require.NoError(t, h.hub.Leave(ctx, group.ID, bob))
	for {
		f := next(t, aliceTab)
		if f.Type == EventJoined || f.Type == EventLeft {
			assert.Equal(t, EventLeft, f.Type)
			break
		}
	}
}

func TestHub_SlowPresenceFanOutDoesNotStallDelivery(t *testing.T) {
	mem := NewMemoryStore()
	store := &gatedStore{MemoryStore: mem, gate: make(chan struct{})}
	h := buildHarness(t, mem, store, presence.NewTracker(1, presence.WithEvents(1)), NewLocalRelay(1))
	defer close(store.gate)
	ctx := context.Background()

	conv, err := h.hub.OpenDirect(ctx, 1, 2)
	require.NoError(t, err)
	bob := h.gateway.Register(2, "bob")

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		for id := int64(3); id < 10; id++ {
			h.gateway.Register(id, fmt.Sprintf("guest%d", id))
		}
	}()
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("registration stalled behind presence fan-out")
	}

	for i := 0; i < 5; i++ {
		content := fmt.Sprintf("m%d", i)
		_, err := h.hub.Send(ctx, 1, SendPayload{ConversationID: conv.ID, Content: content})
		require.NoError(t, err)
		got := payloadOf[MessagePayload](t, nextOf(t, bob, EventMessageNew))
		assert.Equal(t, content, got.Message.Content)
	}
	assert.Greater(t, h.tracker.Pending(), 0)
}
