// Package chatclient keeps a realtime chat session alive from the client
// side: it reconnects with capped, jittered exponential backoff, re-joins
// conversations, and replays messages sent while offline.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"alumni-chat/internal/chat"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDisconnected is the terminal state after retries are exhausted.
var ErrDisconnected = errors.New("chatclient: disconnected")

// Conn is the subset of *websocket.Conn the controller uses.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the server's /ws endpoint with a bearer token.
type WebsocketDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.Token)
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return conn, nil
}

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config tunes reconnection. Zero fields take DefaultConfig values; a
// negative Jitter turns randomization off.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64 // randomization factor, 0..1
	MaxRetries uint64  // failed dials before giving up
	QueueSize  int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.5,
		MaxRetries: 10,
		QueueSize:  100,
	}
}

type Controller struct {
	dialer Dialer
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	conn    Conn
	state   State
	joined  map[int64]struct{}
	queue   []chat.Frame
	dropped int

	incoming chan chat.Frame
}

func New(dialer Dialer, cfg Config, log *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	switch {
	case cfg.Jitter == 0:
		cfg.Jitter = def.Jitter
	case cfg.Jitter < 0:
		cfg.Jitter = 0
	case cfg.Jitter > 1:
		cfg.Jitter = 1
	}
	return &Controller{
		dialer:   dialer,
		cfg:      cfg,
		log:      log.Named("chatclient"),
		joined:   make(map[int64]struct{}),
		incoming: make(chan chat.Frame, 256),
	}
}

// Incoming carries frames received from the server.
func (c *Controller) Incoming() <-chan chat.Frame { return c.incoming }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped is how many queued frames were discarded to respect QueueSize.
func (c *Controller) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Run connects and keeps reconnecting until ctx ends or retries run out,
// in which case it returns an error wrapping ErrDisconnected.
func (c *Controller) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			return err
		}
		c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateReconnecting)
		c.log.Info("connection lost, reconnecting")
	}
}

func (c *Controller) connect(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = c.cfg.MaxDelay
	b.RandomizationFactor = c.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var conn Conn
	op := func() error {
		cn, err := c.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		if err := c.resume(cn); err != nil {
			cn.Close()
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return conn, nil
}

// resume re-joins every conversation, then flushes queued frames in order.
// It holds the lock throughout so frames sent concurrently land after the
// backlog.
func (c *Controller) resume(conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := conn.WriteJSON(frame(chat.EventJoin, chat.ConversationPayload{ConversationID: id})); err != nil {
			return err
		}
	}
	for len(c.queue) > 0 {
		if err := conn.WriteJSON(c.queue[0]); err != nil {
			return err
		}
		c.queue = c.queue[1:]
	}

	c.conn = conn
	c.state = StateConnected
	return nil
}

func (c *Controller) readLoop(ctx context.Context, conn Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var f chat.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return
		}
		select {
		case c.incoming <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Join remembers the conversation so it is re-joined after every reconnect.
func (c *Controller) Join(conversationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	c.joined[conversationID] = struct{}{}
	if c.conn != nil {
		// on failure the reconnect re-issues the join
		c.writeLocked(frame(chat.EventJoin, chat.ConversationPayload{ConversationID: conversationID}))
	}
	return nil
}

func (c *Controller) Leave(conversationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	delete(c.joined, conversationID)
	if c.conn != nil {
		c.writeLocked(frame(chat.EventLeave, chat.ConversationPayload{ConversationID: conversationID}))
	}
	return nil
}

// Send writes a message now, or queues it until the next reconnect.
func (c *Controller) Send(conversationID int64, content, clientRef string) error {
	f := frame(chat.EventSend, chat.SendPayload{ConversationID: conversationID, Content: content, ClientRef: clientRef})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	if c.conn != nil && c.writeLocked(f) {
		return nil
	}
	c.enqueueLocked(f)
	return nil
}

func (c *Controller) writeLocked(f chat.Frame) bool {
	if err := c.conn.WriteJSON(f); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		c.conn.Close()
		c.conn = nil
		return false
	}
	return true
}

func (c *Controller) enqueueLocked(f chat.Frame) {
	if len(c.queue) >= c.cfg.QueueSize {
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, f)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s != StateConnected {
		c.conn = nil
	}
	c.mu.Unlock()
}

func frame(typ string, payload any) chat.Frame {
	raw, _ := json.Marshal(payload)
	return chat.Frame{Type: typ, Payload: raw}
}
