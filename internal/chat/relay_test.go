package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRelay_DeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewLocalRelay(8)
	envs, err := r.Subscribe(ctx)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, r.Publish(ctx, Envelope{Kind: EnvelopeInvalidate, ConversationID: i}))
	}
	for i := int64(1); i <= 3; i++ {
		select {
		case env := <-envs:
			assert.Equal(t, i, env.ConversationID)
		case <-time.After(time.Second):
			t.Fatal("envelope not relayed")
		}
	}
}

func TestLocalRelay_Close(t *testing.T) {
	r := NewLocalRelay(0)
	envs, err := r.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, open := <-envs
	assert.False(t, open)
	assert.ErrorIs(t, r.Publish(context.Background(), Envelope{Kind: EnvelopeUsers}), ErrTransport)
}
