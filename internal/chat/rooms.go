package chat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMembershipTTL bounds how long a cached member list is served when
// no invalidation arrives (e.g. a lost relay message from another instance).
const DefaultMembershipTTL = 30 * time.Second

// RoomManager owns participant mutations and caches member lists for
// broadcast-time lookups. The store stays the source of truth.
//
// Writes to a conversation (Join, Leave) hold that shard's write lock across
// the store mutation and the cache drop. Cache fills record the shard
// generation before loading and only install the result if no write landed
// in between, so a broadcast never sees a list older than the last write.
type RoomManager struct {
	store  Store
	log    *zap.Logger
	ttl    time.Duration
	now    func() time.Time
	shards []*roomShard
	loads  singleflight.Group
}

type roomShard struct {
	writeMu sync.Mutex // serializes Join/Leave within the shard

	mu    sync.RWMutex
	cache map[int64]cachedMembers
	gen   map[int64]uint64
}

type cachedMembers struct {
	members  []int64
	loadedAt time.Time
}

func NewRoomManager(store Store, log *zap.Logger, shards int) *RoomManager {
	if shards <= 0 {
		shards = 32
	}
	rm := &RoomManager{
		store:  store,
		log:    log.Named("rooms"),
		ttl:    DefaultMembershipTTL,
		now:    time.Now,
		shards: make([]*roomShard, shards),
	}
	for i := range rm.shards {
		rm.shards[i] = &roomShard{
			cache: make(map[int64]cachedMembers),
			gen:   make(map[int64]uint64),
		}
	}
	return rm
}

func (rm *RoomManager) shard(conversationID int64) *roomShard {
	return rm.shards[uint64(conversationID)%uint64(len(rm.shards))]
}

// Join makes userID an active participant.
//
// Existing participants (including ones that left earlier) may always come
// back with their original role. Anyone else may only self-join a group, as
// a member. Repeated joins by an active member are no-ops and report
// changed as false.
func (rm *RoomManager) Join(ctx context.Context, conversationID, userID int64) (role Role, changed bool, err error) {
	conv, err := rm.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", false, err
	}

	sh := rm.shard(conversationID)
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	p, err := rm.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", false, err
	}
	if p.Active() {
		return p.Role, false, nil
	}

	role = RoleMember
	switch {
	case p != nil:
		role = p.Role
	case conv.Kind != KindGroup:
		rm.log.Info("join denied",
			zap.Int64("conversation_id", conversationID),
			zap.Int64("user_id", userID),
			zap.String("kind", string(conv.Kind)))
		return "", false, ErrForbidden
	case conv.Archived:
		return "", false, ErrForbidden
	}

	added, err := rm.store.AddParticipant(ctx, conversationID, userID, role)
	if err != nil {
		return "", false, err
	}
	rm.invalidateLocked(sh, conversationID)
	return added.Role, true, nil
}

// Leave marks the participant as gone. Leaving a conversation one is not
// part of is a no-op.
func (rm *RoomManager) Leave(ctx context.Context, conversationID, userID int64) error {
	sh := rm.shard(conversationID)
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()

	if err := rm.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	rm.invalidateLocked(sh, conversationID)
	return nil
}

// Invalidate drops the cached member list, e.g. after a membership change
// made through another instance.
func (rm *RoomManager) Invalidate(conversationID int64) {
	rm.invalidateLocked(rm.shard(conversationID), conversationID)
}

func (rm *RoomManager) invalidateLocked(sh *roomShard, conversationID int64) {
	sh.mu.Lock()
	delete(sh.cache, conversationID)
	sh.gen[conversationID]++
	sh.mu.Unlock()
}

// MembersOf returns the active members of a conversation. The returned
// slice is owned by the caller.
func (rm *RoomManager) MembersOf(ctx context.Context, conversationID int64) ([]int64, error) {
	sh := rm.shard(conversationID)

	sh.mu.RLock()
	entry, ok := sh.cache[conversationID]
	gen := sh.gen[conversationID]
	sh.mu.RUnlock()
	if ok && rm.now().Sub(entry.loadedAt) < rm.ttl {
		return append([]int64(nil), entry.members...), nil
	}

	key := strconv.FormatInt(conversationID, 10) + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := rm.loads.Do(key, func() (any, error) {
		members, err := rm.store.ActiveMembers(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		if sh.gen[conversationID] == gen {
			sh.cache[conversationID] = cachedMembers{members: members, loadedAt: rm.now()}
		}
		sh.mu.Unlock()
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), v.([]int64)...), nil
}
