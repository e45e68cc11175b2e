package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
)

// SignalBroker fans signaling messages out across service instances over Redis Pub/Sub
type SignalBroker struct {
	client *database.RedisClient
}

// NewSignalBroker creates a new SignalBroker
func NewSignalBroker(client *database.RedisClient) *SignalBroker {
	return &SignalBroker{client: client}
}

func roomChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("consult:room:%s", sessionID)
}

// Publish sends a routed message to every instance subscribed to the room
func (b *SignalBroker) Publish(ctx context.Context, msg *domain.RoutedSignal) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal routed signal: %w", err)
	}
	if err := b.client.SafePublish(ctx, roomChannel(msg.Message.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish routed signal: %w", err)
	}
	return nil
}

// Subscribe listens on the room channel until ctx is cancelled. It returns
// once Redis has confirmed the subscription.
func (b *SignalBroker) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan *domain.RoutedSignal, error) {
	pubsub := b.client.SafeSubscribe(ctx, roomChannel(sessionID))
	if pubsub == nil {
		return nil, database.ErrDegraded
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room channel: %w", err)
	}

	out := make(chan *domain.RoutedSignal, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var routed domain.RoutedSignal
				if err := json.Unmarshal([]byte(msg.Payload), &routed); err != nil {
					logger.Warn("Failed to unmarshal routed signal",
						zap.String("session_id", sessionID.String()),
						zap.Error(err))
					continue
				}
				select {
				case out <- &routed:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
