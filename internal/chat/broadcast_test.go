package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/quick"

	"alumni-chat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedMembers map[int64][]int64

func (f fixedMembers) MembersOf(_ context.Context, conversationID int64) ([]int64, error) {
	m, ok := f[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return m, nil
}

type fixedPresence map[int64][]string

func (f fixedPresence) ConnectionsOf(userID int64) presence.Set {
	return presence.NewSet(f[userID]...)
}

type recorder struct {
	mu   sync.Mutex
	got  map[string]int
	dead map[string]bool
}

func newRecorder() *recorder {
	return &recorder{got: make(map[string]int), dead: make(map[string]bool)}
}

func (r *recorder) Deliver(connID string, _ []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead[connID] {
		return false
	}
	r.got[connID]++
	return true
}

func TestBroadcast_ExcludesEverySenderConnection(t *testing.T) {
	out := newRecorder()
	e := NewEngine(
		fixedMembers{1: {10, 20}},
		fixedPresence{10: {"c1", "c2"}, 20: {"c3"}},
		out, zaptest.NewLogger(t), 4)

	n, err := e.Broadcast(context.Background(), 1, []byte("hi"), presence.NewSet("c1", "c2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]int{"c3": 1}, out.got)
}

func TestBroadcast_ExclusionProperty(t *testing.T) {
	log := zaptest.NewLogger(t)

	// For any number of sender tabs and any number of other members'
	// connections, excluding all sender tabs reaches every other
	// connection exactly once and no sender tab.
	check := func(senderTabs, others uint8) bool {
		tabs := int(senderTabs%32) + 1
		rest := int(others % 32)

		pres := fixedPresence{}
		var exclude []string
		for i := 0; i < tabs; i++ {
			id := fmt.Sprintf("s%d", i)
			pres[1] = append(pres[1], id)
			exclude = append(exclude, id)
		}
		members := []int64{1}
		for i := 0; i < rest; i++ {
			uid := int64(100 + i%5)
			if len(pres[uid]) == 0 {
				members = append(members, uid)
			}
			pres[uid] = append(pres[uid], fmt.Sprintf("o%d", i))
		}

		out := newRecorder()
		e := NewEngine(fixedMembers{7: members}, pres, out, log, 4)
		n, err := e.Broadcast(context.Background(), 7, []byte("x"), presence.NewSet(exclude...))
		if err != nil || n != rest || len(out.got) != rest {
			return false
		}
		for id, count := range out.got {
			if count != 1 || id[0] != 'o' {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(check, nil))
}

func TestBroadcast_CountsOnlyLiveConnections(t *testing.T) {
	out := newRecorder()
	out.dead["gone"] = true
	e := NewEngine(fixedMembers{1: {10, 20}}, fixedPresence{10: {"a"}, 20: {"gone", "b"}}, out, zaptest.NewLogger(t), 4)

	n, err := e.Broadcast(context.Background(), 1, []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBroadcast_UnknownConversation(t *testing.T) {
	e := NewEngine(fixedMembers{}, fixedPresence{}, newRecorder(), zaptest.NewLogger(t), 4)
	_, err := e.Broadcast(context.Background(), 5, []byte("hi"), nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestNotifyUsers_DeduplicatesUsers(t *testing.T) {
	out := newRecorder()
	e := NewEngine(fixedMembers{}, fixedPresence{1: {"a", "b"}, 2: {"c"}}, out, zaptest.NewLogger(t), 4)

	n := e.NotifyUsers([]int64{1, 2, 1}, []byte("p"), presence.NewSet("b"))
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]int{"a": 1, "c": 1}, out.got)
}

func TestBroadcast_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	gw := NewGateway(staticTokens{}, presence.NewTracker(4), log, 16)
	t.Cleanup(gw.Close)

	slow := gw.Register(1, "alice")
	fast := gw.Register(2, "bob")
	e := NewEngine(fixedMembers{1: {1, 2}}, gw, gw, log, 4)

	// Nobody drains slow; its outbox holds 16 frames.
	for i := 0; i < 40; i++ {
		n, err := e.Broadcast(ctx, 1, []byte(fmt.Sprintf(`{"type":"n","payload":%d}`, i)), nil)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		<-fast.Outbox()
	}

	assert.Equal(t, 24, slow.Dropped())
	assert.Zero(t, fast.Dropped())
	first := <-slow.Outbox()
	assert.JSONEq(t, `{"type":"n","payload":24}`, string(first))
}
