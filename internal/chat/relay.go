package chat

import (
	"context"
	"encoding/json"
	"sync"
)

type EnvelopeKind string

const (
	// EnvelopeConversation fans Payload out to a conversation's room.
	EnvelopeConversation EnvelopeKind = "conversation"
	// EnvelopeUsers fans Payload out to every connection of UserIDs.
	EnvelopeUsers EnvelopeKind = "users"
	// EnvelopeInvalidate drops cached membership of ConversationID.
	EnvelopeInvalidate EnvelopeKind = "invalidate"
)

// Envelope is what instances exchange over the relay. Exclusion travels as
// connection ids plus a user whose local connections every instance adds to
// the exclusion set before its single set difference.
type Envelope struct {
	Kind               EnvelopeKind    `json:"kind"`
	ConversationID     int64           `json:"conversation_id,omitempty"`
	UserIDs            []int64         `json:"user_ids,omitempty"`
	ExcludeConnections []string        `json:"exclude_connections,omitempty"`
	ExcludeUser        int64           `json:"exclude_user,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Relay carries envelopes to every instance, the publisher included.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns a channel closed when ctx ends or the relay closes.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	Close() error
}

// LocalRelay is the single-instance relay: a buffered in-process channel.
type LocalRelay struct {
	ch        chan Envelope
	closeOnce sync.Once
	done      chan struct{}
}

var _ Relay = (*LocalRelay)(nil)

func NewLocalRelay(buffer int) *LocalRelay {
	return &LocalRelay{
		ch:   make(chan Envelope, buffer),
		done: make(chan struct{}),
	}
}

func (r *LocalRelay) Publish(ctx context.Context, env Envelope) error {
	select {
	case r.ch <- env:
		return nil
	case <-r.done:
		return ErrTransport
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe supports exactly one subscriber.
func (r *LocalRelay) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for {
			select {
			case env := <-r.ch:
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}()
	return out, nil
}

func (r *LocalRelay) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
