package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"alumni-chat/internal/metrics"

	"github.com/cespare/xxhash/v2"
)

type EventKind string

const (
	Online  EventKind = "online"
	Offline EventKind = "offline"
)

// Event is a presence transition. Only 0→1 and 1→0 connection count
// changes produce one.
type Event struct {
	Kind   EventKind
	UserID int64
	At     time.Time
}

// Tracker maps users to their live connection ids.
//
// Users are spread over shards by id; each shard has its own mutex so
// traffic for unrelated users never contends on one lock. A second set of
// shards, keyed by connection id, remembers which user owns a connection so
// RemoveConnection only needs the connection id.
type Tracker struct {
	users  []*userShard
	owners []*ownerShard
	events *eventQueue
	online atomic.Int64
	now    func() time.Time
}

// eventQueue is an unbounded FIFO and push never blocks. Pushes happen
// under the user's shard lock, which fixes per-user order.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Event{}, false
	}
	ev := q.pending[0]
	q.pending[0] = Event{}
	q.pending = q.pending[1:]
	return ev, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type userShard struct {
	mu    sync.Mutex
	conns map[int64]Set
}

type ownerShard struct {
	mu     sync.Mutex
	owners map[string]int64
}

type Option func(*Tracker)

// WithEvents enables transition events, read with Next. capacity only
// sizes the initial queue; the queue grows while the reader lags.
func WithEvents(capacity int) Option {
	return func(t *Tracker) {
		t.events = &eventQueue{
			pending: make([]Event, 0, capacity),
			wake:    make(chan struct{}, 1),
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(shards int, opts ...Option) *Tracker {
	if shards <= 0 {
		shards = 32
	}
	t := &Tracker{
		users:  make([]*userShard, shards),
		owners: make([]*ownerShard, shards),
		now:    time.Now,
	}
	for i := range t.users {
		t.users[i] = &userShard{conns: make(map[int64]Set)}
		t.owners[i] = &ownerShard{owners: make(map[string]int64)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Next blocks until a transition is available or ctx ends. Without
// WithEvents it only returns when ctx ends.
func (t *Tracker) Next(ctx context.Context) (Event, error) {
	if t.events == nil {
		<-ctx.Done()
		return Event{}, ctx.Err()
	}
	for {
		if ev, ok := t.events.pop(); ok {
			return ev, nil
		}
		select {
		case <-t.events.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryNext returns the oldest pending transition without blocking.
func (t *Tracker) TryNext() (Event, bool) {
	if t.events == nil {
		return Event{}, false
	}
	return t.events.pop()
}

// Pending is the number of transitions not yet read.
func (t *Tracker) Pending() int {
	if t.events == nil {
		return 0
	}
	return t.events.len()
}

func (t *Tracker) userShard(userID int64) *userShard {
	return t.users[uint64(userID)%uint64(len(t.users))]
}

func (t *Tracker) ownerShard(connID string) *ownerShard {
	return t.owners[xxhash.Sum64String(connID)%uint64(len(t.owners))]
}

// AddConnection records connID as a live connection of userID. Adding a
// connection that is already tracked is a no-op.
func (t *Tracker) AddConnection(userID int64, connID string) {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.conns[userID]
	if !ok {
		set = make(Set)
		us.conns[userID] = set
	}
	if set.Has(connID) {
		return
	}
	set.Add(connID)

	own := t.ownerShard(connID)
	own.mu.Lock()
	own.owners[connID] = userID
	own.mu.Unlock()

	if set.Len() == 1 {
		t.online.Add(1)
		metrics.UsersOnline.Inc()
		t.emit(Event{Kind: Online, UserID: userID, At: t.now()})
	}
}

// RemoveConnection forgets connID. It reports the owning user and whether
// the connection was tracked at all.
func (t *Tracker) RemoveConnection(connID string) (int64, bool) {
	own := t.ownerShard(connID)
	own.mu.Lock()
	userID, ok := own.owners[connID]
	if ok {
		delete(own.owners, connID)
	}
	own.mu.Unlock()
	if !ok {
		return 0, false
	}

	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set := us.conns[userID]
	if !set.Has(connID) {
		return userID, false
	}
	delete(set, connID)
	if set.Len() == 0 {
		delete(us.conns, userID)
		t.online.Add(-1)
		metrics.UsersOnline.Dec()
		t.emit(Event{Kind: Offline, UserID: userID, At: t.now()})
	}
	return userID, true
}

// ConnectionsOf returns a copy of the user's connection set.
func (t *Tracker) ConnectionsOf(userID int64) Set {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	out := make(Set, len(us.conns[userID]))
	out.Union(us.conns[userID])
	return out
}

func (t *Tracker) IsOnline(userID int64) bool {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.conns[userID]) > 0
}

// OnlineCount is the number of users with at least one connection.
func (t *Tracker) OnlineCount() int {
	return int(t.online.Load())
}

func (t *Tracker) emit(ev Event) {
	if t.events != nil {
		t.events.push(ev)
	}
}
