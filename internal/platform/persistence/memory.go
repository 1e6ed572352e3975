package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// MemoryTokenStore is an in-process delivery.TokenStore for tests and local
// development.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	byToken map[string]delivery.DeviceToken
}

// NewMemoryTokenStore creates an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{byToken: make(map[string]delivery.DeviceToken)}
}

func (s *MemoryTokenStore) Register(_ context.Context, t delivery.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.byToken[t.Token] = t
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byToken, token)
	return nil
}

func (s *MemoryTokenStore) DeleteMany(_ context.Context, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		delete(s.byToken, token)
	}
	return nil
}

func (s *MemoryTokenStore) TokensForProfile(_ context.Context, profileID string) ([]delivery.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tokens []delivery.DeviceToken
	for _, t := range s.byToken {
		if t.ProfileID == profileID {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

func (s *MemoryTokenStore) Close() error { return nil }
