package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hosted-payment-bridge/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// ErrStateExists is returned when a state token is already pending.
var ErrStateExists = errors.New("oauth state already exists")

// OAuthStateStore implements ports.OAuthStateStore using SET NX and GETDEL.
type OAuthStateStore struct {
	client *goredis.Client
	prefix string
}

// NewOAuthStateStore creates a new Redis-backed OAuth state store.
func NewOAuthStateStore(client *goredis.Client) *OAuthStateStore {
	return &OAuthStateStore{
		client: client,
		prefix: "oauth_state:",
	}
}

// Put stores a pending state with ttl. Redis expires it even if never consumed.
func (s *OAuthStateStore) Put(ctx context.Context, state *domain.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}

	ok, err := s.client.SetArgs(ctx, s.prefix+state.State, payload, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrStateExists
		}
		return fmt.Errorf("redis oauth state put: %w", err)
	}
	if ok != "OK" {
		return ErrStateExists
	}
	return nil
}

// Consume atomically reads and deletes a state. Returns nil, nil if absent.
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (*domain.OAuthState, error) {
	raw, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis oauth state consume: %w", err)
	}

	var st domain.OAuthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode oauth state: %w", err)
	}
	return &st, nil
}
