package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/boardsync/pkg/protocol"
)

// Redis relays messages over Redis pub/sub, one channel per board.
type Redis struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

// NewRedis connects to addr and verifies the connection. origin identifies this instance so that its own
// messages are not delivered back to it.
func NewRedis(ctx context.Context, addr, origin string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, origin: origin, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, boardID string, m protocol.Message) error {
	raw, err := encodeEnvelope(r.origin, m)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channelName(boardID), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, boardID string, deliver func(protocol.Message)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, channelName(boardID))
	// wait for the subscription to be confirmed so nothing published after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			e, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping relay message", "board", boardID, "err", err)
				continue
			}
			if e.Origin == r.origin {
				continue
			}
			deliver(e.Message)
		}
	}()
	return func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn("failed to close subscription", "board", boardID, "err", err)
		}
		<-done
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
