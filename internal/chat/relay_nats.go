package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsRelaySubject = "alumni-chat.relay"

// NATSRelay fans envelopes out over a core NATS subject.
type NATSRelay struct {
	nc  *nats.Conn
	log *zap.Logger
}

var _ Relay = (*NATSRelay)(nil)

func NewNATSRelay(nc *nats.Conn, log *zap.Logger) *NATSRelay {
	return &NATSRelay{nc: nc, log: log.Named("relay.nats")}
}

func (r *NATSRelay) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(natsRelaySubject, data); err != nil {
		return fmt.Errorf("%w: nats publish: %v", ErrTransport, err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	msgs := make(chan *nats.Msg, 1024)
	sub, err := r.nc.ChanSubscribe(natsRelaySubject, msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: nats subscribe: %v", ErrTransport, err)
	}
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: nats flush: %v", ErrTransport, err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var env Envelope
				if err := json.Unmarshal(msg.Data, &env); err != nil {
					r.log.Warn("dropping malformed envelope", zap.Error(err))
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *NATSRelay) Close() error {
	return r.nc.Drain()
}
