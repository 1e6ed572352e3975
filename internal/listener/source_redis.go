package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// RedisSource is a change source over Redis Pub/Sub, for deployments that
// fan change rows out through Redis instead of LISTEN/NOTIFY.
type RedisSource struct {
	client redis.UniversalClient
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisSource creates a source over an existing client. The client is
// owned by the caller; Close only tears down the subscription.
func NewRedisSource(client redis.UniversalClient, logger zerolog.Logger) (*RedisSource, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisSource{
		client: client,
		logger: logger.With().Str("component", "RedisSource").Logger(),
	}, nil
}

// Dial verifies the server is reachable.
func (s *RedisSource) Dial(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Subscribe opens the pub/sub subscription for the named channels.
func (s *RedisSource) Subscribe(ctx context.Context, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return fmt.Errorf("redis source already subscribed")
	}
	s.pubsub = s.client.Subscribe(ctx, channels...)
	return nil
}

// Receive blocks for the next published message.
func (s *RedisSource) Receive(ctx context.Context) (delivery.ChangeEvent, error) {
	s.mu.Lock()
	pubsub := s.pubsub
	s.mu.Unlock()
	if pubsub == nil {
		return delivery.ChangeEvent{}, fmt.Errorf("redis source is not subscribed")
	}
	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		return delivery.ChangeEvent{}, err
	}
	return delivery.ChangeEvent{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

// Close tears down the subscription, leaving the shared client open.
func (s *RedisSource) Close(_ context.Context) error {
	s.mu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	return pubsub.Close()
}
