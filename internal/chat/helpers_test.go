package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"alumni-chat/internal/presence"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type staticTokens map[string]int64

func (s staticTokens) ValidateToken(token string) (int64, string, error) {
	id, ok := s[token]
	if !ok {
		return 0, "", errors.New("unknown token")
	}
	return id, token, nil
}

type harness struct {
	store   *MemoryStore
	tracker *presence.Tracker
	gateway *Gateway
	rooms   *RoomManager
	engine  *Engine
	hub     *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := NewMemoryStore()
	return buildHarness(t, mem, mem, presence.NewTracker(4, presence.WithEvents(64)), NewLocalRelay(64))
}

// buildHarness wires a hub over store, with mem as the backing data for
// direct assertions.
func buildHarness(t *testing.T, mem *MemoryStore, store Store, tracker *presence.Tracker, relay Relay) *harness {
	t.Helper()
	log := zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel))

	h := &harness{store: mem, tracker: tracker}
	h.gateway = NewGateway(staticTokens{"alice": 1, "bob": 2, "carol": 3}, h.tracker, log, 16)
	h.rooms = NewRoomManager(store, log, 4)
	h.engine = NewEngine(h.rooms, h.tracker, h.gateway, log, 4)
	h.hub = NewHub(HubConfig{
		Store:   store,
		Rooms:   h.rooms,
		Engine:  h.engine,
		Gateway: h.gateway,
		Tracker: h.tracker,
		Relay:   relay,
		Logger:  log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.hub.Run(ctx)
	}()
	t.Cleanup(func() {
		h.gateway.Close()
		cancel()
		<-done
	})
	return h
}

// gatedStore holds ConversationsOf until gate is closed.
type gatedStore struct {
	*MemoryStore
	gate chan struct{}
}

func (g *gatedStore) ConversationsOf(ctx context.Context, userID int64) ([]*Conversation, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryStore.ConversationsOf(ctx, userID)
}

// next waits for the next frame on c's outbox.
func next(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case raw := <-c.Outbox():
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame for %s", c.ID)
		return Frame{}
	}
}

// nextOf skips frames until one of type typ arrives.
func nextOf(t *testing.T, c *Conn, typ string) Frame {
	t.Helper()
	for {
		if f := next(t, c); f.Type == typ {
			return f
		}
	}
}
