package chat

import (
	"context"
	"sync"
	"time"

	"alumni-chat/internal/metrics"
	"alumni-chat/internal/presence"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenValidator is what the gateway needs from the identity provider.
// Returns userID, username, error.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

// Conn is one live realtime connection. Its outbox is bounded: when a slow
// reader lets it fill up, the oldest queued frame is dropped so producers
// never block.
type Conn struct {
	ID       string
	UserID   int64
	Username string
	OpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	outbox  chan []byte
	closed  bool
	dropped int
}

// Enqueue queues payload for the write pump, dropping the oldest frame if
// the outbox is full. It returns false once the connection is closed.
func (c *Conn) Enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.outbox <- payload:
			return true
		default:
		}
		select {
		case <-c.outbox:
			c.dropped++
			metrics.OutboundDropped.Inc()
		default:
		}
	}
}

// Outbox is read by the connection's write pump.
func (c *Conn) Outbox() <-chan []byte { return c.outbox }

// Context is cancelled when the connection is deregistered.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed when the connection is deregistered.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Dropped is how many frames overflowed the outbox.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Gateway owns the connection lifecycle: it verifies credentials, hands out
// connection ids, and keeps the presence tracker in step with the set of
// live connections.
type Gateway struct {
	validator TokenValidator
	tracker   *presence.Tracker
	log       *zap.Logger
	queueSize int
	shards    []*connShard
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewGateway(validator TokenValidator, tracker *presence.Tracker, log *zap.Logger, queueSize int) *Gateway {
	if queueSize <= 0 {
		queueSize = 256
	}
	g := &Gateway{
		validator: validator,
		tracker:   tracker,
		log:       log.Named("gateway"),
		queueSize: queueSize,
		shards:    make([]*connShard, 32),
	}
	for i := range g.shards {
		g.shards[i] = &connShard{conns: make(map[string]*Conn)}
	}
	return g
}

func (g *Gateway) shard(connID string) *connShard {
	return g.shards[xxhash.Sum64String(connID)%uint64(len(g.shards))]
}

// Authenticate verifies a bearer credential. Every failure collapses into
// ErrAuthenticationFailed; the cause is logged, never returned.
func (g *Gateway) Authenticate(credential string) (int64, string, error) {
	if credential == "" {
		metrics.AuthFailures.Inc()
		return 0, "", ErrAuthenticationFailed
	}
	userID, username, err := g.validator.ValidateToken(credential)
	if err != nil || userID == 0 {
		metrics.AuthFailures.Inc()
		g.log.Info("credential rejected", zap.Error(err))
		return 0, "", ErrAuthenticationFailed
	}
	return userID, username, nil
}

// Register creates a connection for an authenticated user and marks it live
// in the presence tracker.
func (g *Gateway) Register(userID int64, username string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		OpenedAt: time.Now().UTC(),
		ctx:      ctx,
		cancel:   cancel,
		outbox:   make(chan []byte, g.queueSize),
	}

	sh := g.shard(c.ID)
	sh.mu.Lock()
	sh.conns[c.ID] = c
	sh.mu.Unlock()

	g.tracker.AddConnection(userID, c.ID)
	metrics.ConnectionsActive.Inc()
	g.log.Debug("connection registered", zap.String("conn_id", c.ID), zap.Int64("user_id", userID))
	return c
}

// Deregister closes and forgets a connection. Presence is updated before it
// returns, so IsOnline reflects the disconnect immediately. Unknown ids are
// ignored, which makes double deregistration safe.
func (g *Gateway) Deregister(connID string) {
	sh := g.shard(connID)
	sh.mu.Lock()
	c, ok := sh.conns[connID]
	delete(sh.conns, connID)
	sh.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	g.tracker.RemoveConnection(connID)
	metrics.ConnectionsActive.Dec()
	g.log.Debug("connection deregistered", zap.String("conn_id", connID), zap.Int64("user_id", c.UserID))
}

// Lookup returns a live connection by id.
func (g *Gateway) Lookup(connID string) (*Conn, bool) {
	sh := g.shard(connID)
	sh.mu.RLock()
	c, ok := sh.conns[connID]
	sh.mu.RUnlock()
	return c, ok
}

// Deliver implements Deliverer.
func (g *Gateway) Deliver(connID string, payload []byte) bool {
	c, ok := g.Lookup(connID)
	if !ok {
		return false
	}
	return c.Enqueue(payload)
}

// ConnectionsOf exposes the tracker's view for exclusion sets.
func (g *Gateway) ConnectionsOf(userID int64) presence.Set {
	return g.tracker.ConnectionsOf(userID)
}

// Close deregisters every live connection.
func (g *Gateway) Close() {
	var ids []string
	for _, sh := range g.shards {
		sh.mu.RLock()
		for id := range sh.conns {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	for _, id := range ids {
		g.Deregister(id)
	}
}
