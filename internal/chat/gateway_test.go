package chat

import (
	"testing"

	"alumni-chat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, queue int) (*Gateway, *presence.Tracker) {
	t.Helper()
	tracker := presence.NewTracker(4)
	gw := NewGateway(staticTokens{"alice": 1, "bob": 2}, tracker, zaptest.NewLogger(t), queue)
	t.Cleanup(gw.Close)
	return gw, tracker
}

func TestAuthenticate(t *testing.T) {
	gw, tracker := newTestGateway(t, 4)

	id, name, err := gw.Authenticate("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "alice", name)

	for _, bad := range []string{"", "mallory"} {
		_, _, err := gw.Authenticate(bad)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	}
	assert.Zero(t, tracker.OnlineCount())
}

func TestRegisterDeregister_UpdatesPresenceSynchronously(t *testing.T) {
	gw, tracker := newTestGateway(t, 4)

	a := gw.Register(1, "alice")
	b := gw.Register(1, "alice")
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, tracker.IsOnline(1))
	assert.Equal(t, presence.NewSet(a.ID, b.ID), gw.ConnectionsOf(1))

	gw.Deregister(a.ID)
	assert.True(t, tracker.IsOnline(1))

	gw.Deregister(b.ID)
	assert.False(t, tracker.IsOnline(1))
	_, ok := gw.Lookup(b.ID)
	assert.False(t, ok)

	select {
	case <-b.Done():
	default:
		t.Fatal("deregistered connection not cancelled")
	}

	// double deregistration is harmless
	gw.Deregister(b.ID)
	assert.False(t, gw.Deliver(b.ID, []byte("late")))
}

func TestConnEnqueue_DropsOldest(t *testing.T) {
	gw, _ := newTestGateway(t, 2)
	c := gw.Register(2, "bob")

	for _, p := range []string{"1", "2", "3", "4"} {
		assert.True(t, gw.Deliver(c.ID, []byte(p)))
	}
	assert.Equal(t, 2, c.Dropped())
	assert.Equal(t, "3", string(<-c.Outbox()))
	assert.Equal(t, "4", string(<-c.Outbox()))
}
