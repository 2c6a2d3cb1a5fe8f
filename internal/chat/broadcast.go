package chat

import (
	"context"
	"sync"

	"alumni-chat/internal/metrics"
	"alumni-chat/internal/presence"

	"go.uber.org/zap"
)

// Members resolves a conversation to its member user ids.
type Members interface {
	MembersOf(ctx context.Context, conversationID int64) ([]int64, error)
}

// Presence resolves a user to their live connection ids.
type Presence interface {
	ConnectionsOf(userID int64) presence.Set
}

// Deliverer hands a payload to one connection's outbound queue. It must not
// block; false means the connection is gone.
type Deliverer interface {
	Deliver(connID string, payload []byte) bool
}

// Engine fans payloads out to the live connections of a room.
type Engine struct {
	members  Members
	presence Presence
	out      Deliverer
	log      *zap.Logger

	// convLocks keep concurrent broadcasts for one conversation from
	// interleaving, so every recipient sees the same relative order.
	convLocks []sync.Mutex
}

func NewEngine(members Members, p Presence, out Deliverer, log *zap.Logger, shards int) *Engine {
	if shards <= 0 {
		shards = 32
	}
	return &Engine{
		members:   members,
		presence:  p,
		out:       out,
		log:       log.Named("broadcast"),
		convLocks: make([]sync.Mutex, shards),
	}
}

// Recipients resolves the connection set a broadcast to conversationID would
// reach: every connection of every member, minus exclude, computed as one
// set difference.
func (e *Engine) Recipients(ctx context.Context, conversationID int64, exclude presence.Set) (presence.Set, error) {
	members, err := e.members.MembersOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return e.connectionsOf(members).Difference(exclude), nil
}

// Broadcast delivers payload once to each live connection in the room that
// is not in exclude, and returns how many connections accepted it.
func (e *Engine) Broadcast(ctx context.Context, conversationID int64, payload []byte, exclude presence.Set) (int, error) {
	targets, err := e.Recipients(ctx, conversationID, exclude)
	if err != nil {
		return 0, err
	}

	mu := &e.convLocks[uint64(conversationID)%uint64(len(e.convLocks))]
	mu.Lock()
	n := e.deliver(targets, payload)
	mu.Unlock()

	e.log.Debug("broadcast",
		zap.Int64("conversation_id", conversationID),
		zap.Int("targets", targets.Len()),
		zap.Int("delivered", n),
		zap.Int("excluded", exclude.Len()))
	return n, nil
}

// NotifyUsers delivers payload once to each live connection of the given
// users, minus exclude. Users listed twice still get one copy per connection.
func (e *Engine) NotifyUsers(userIDs []int64, payload []byte, exclude presence.Set) int {
	return e.deliver(e.connectionsOf(userIDs).Difference(exclude), payload)
}

func (e *Engine) connectionsOf(userIDs []int64) presence.Set {
	all := make(presence.Set)
	for _, uid := range userIDs {
		all.Union(e.presence.ConnectionsOf(uid))
	}
	return all
}

func (e *Engine) deliver(targets presence.Set, payload []byte) int {
	n := 0
	for id := range targets {
		if e.out.Deliver(id, payload) {
			n++
		}
	}
	metrics.BroadcastDeliveries.Add(float64(n))
	return n
}
