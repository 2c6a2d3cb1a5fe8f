package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"alumni-chat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []chat.Frame
	reads  chan chat.Frame
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan chat.Frame, 8), done: make(chan struct{})}
}

func (f *fakeConn) WriteJSON(v any) error {
	select {
	case <-f.done:
		return errors.New("closed")
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fr chat.Frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case fr := <-f.reads:
		*(v.(*chat.Frame)) = fr
		return nil
	case <-f.done:
		return errors.New("closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) Writes() []chat.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Frame(nil), f.writes...)
}

type dialFunc func(ctx context.Context) (Conn, error)

func (d dialFunc) Dial(ctx context.Context) (Conn, error) { return d(ctx) }

func testConfig() Config {
	return Config{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Jitter: 0.5, MaxRetries: 3, QueueSize: 10}
}

func sendContent(t *testing.T, f chat.Frame) string {
	t.Helper()
	require.Equal(t, chat.EventSend, f.Type)
	var p chat.SendPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p.Content
}

func TestNewFillsZeroConfig(t *testing.T) {
	never := dialFunc(func(context.Context) (Conn, error) { return nil, errors.New("unused") })

	c := New(never, Config{}, zaptest.NewLogger(t))
	assert.Equal(t, DefaultConfig(), c.cfg)

	c = New(never, Config{Jitter: -1, MaxRetries: 2}, zaptest.NewLogger(t))
	assert.Zero(t, c.cfg.Jitter)
	assert.Equal(t, uint64(2), c.cfg.MaxRetries)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	d := dialFunc(func(context.Context) (Conn, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("refused")
	})
	c := New(d, testConfig(), zaptest.NewLogger(t))

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 4, attempts, "one attempt plus three retries")
	assert.ErrorIs(t, c.Send(1, "hi", ""), ErrDisconnected)
	assert.ErrorIs(t, c.Join(1), ErrDisconnected)
}

func TestReconnectRejoinsThenFlushesInOrder(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	d := dialFunc(func(ctx context.Context) (Conn, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("refused")
		default:
			select {
			case <-release:
				return second, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})
	c := New(d, testConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	require.NoError(t, c.Join(7))
	require.NoError(t, c.Join(3))

	first.Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)

	require.NoError(t, c.Send(7, "one", "r1"))
	require.NoError(t, c.Send(7, "two", "r2"))
	close(release)

	require.Eventually(t, func() bool { return len(second.Writes()) == 4 }, time.Second, time.Millisecond)
	w := second.Writes()
	assert.Equal(t, chat.EventJoin, w[0].Type)
	assert.JSONEq(t, `{"conversation_id":3}`, string(w[0].Payload))
	assert.Equal(t, chat.EventJoin, w[1].Type)
	assert.JSONEq(t, `{"conversation_id":7}`, string(w[1].Payload))
	assert.Equal(t, "one", sendContent(t, w[2]))
	assert.Equal(t, "two", sendContent(t, w[3]))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	c := New(dialFunc(func(context.Context) (Conn, error) { return nil, errors.New("down") }), testConfig(), zaptest.NewLogger(t))
	c.cfg.QueueSize = 2

	require.NoError(t, c.Send(1, "a", ""))
	require.NoError(t, c.Send(1, "b", ""))
	require.NoError(t, c.Send(1, "c", ""))
	assert.Equal(t, 1, c.Dropped())

	conn := newFakeConn()
	require.NoError(t, c.resume(conn))
	w := conn.Writes()
	require.Len(t, w, 2)
	assert.Equal(t, "b", sendContent(t, w[0]))
	assert.Equal(t, "c", sendContent(t, w[1]))
}

func TestIncomingFramesAreForwarded(t *testing.T) {
	conn := newFakeConn()
	c := New(dialFunc(func(context.Context) (Conn, error) { return conn, nil }), testConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.reads <- chat.Frame{Type: chat.EventMessageNew, Payload: json.RawMessage(`{}`)}
	select {
	case f := <-c.Incoming():
		assert.Equal(t, chat.EventMessageNew, f.Type)
	case <-time.After(time.Second):
		t.Fatal("frame not forwarded")
	}
}
