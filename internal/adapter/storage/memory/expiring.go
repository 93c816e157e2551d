package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"hosted-payment-bridge/internal/core/domain"
)

// ErrStateExists is returned when a state token is already pending.
var ErrStateExists = errors.New("oauth state already exists")

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// expiringMap is a TTL map: entries are checked lazily on lookup and
// evicted periodically by a sweeper goroutine until Close.
type expiringMap[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

func newExpiringMap[V any](sweepEvery time.Duration) *expiringMap[V] {
	m := &expiringMap[V]{
		items: make(map[string]entry[V]),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweepLoop(sweepEvery)
	}
	return m
}

func (m *expiringMap[V]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *expiringMap[V]) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.items {
		if !now.Before(e.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// putIfAbsent stores v unless a live entry exists for k.
func (m *expiringMap[V]) putIfAbsent(k string, v V, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.items[k]; ok && now.Before(e.expiresAt) {
		return false
	}
	m.items[k] = entry[V]{value: v, expiresAt: now.Add(ttl)}
	return true
}

func (m *expiringMap[V]) put(k string, v V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[k] = entry[V]{value: v, expiresAt: m.now().Add(ttl)}
}

func (m *expiringMap[V]) get(k string, remove bool) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero V
	e, ok := m.items[k]
	if !ok {
		return zero, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.items, k)
		return zero, false
	}
	if remove {
		delete(m.items, k)
	}
	return e.value, true
}

func (m *expiringMap[V]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *expiringMap[V]) close() {
	m.stopped.Do(func() { close(m.stop) })
}

// OAuthStateStore implements ports.OAuthStateStore with an expiring map.
type OAuthStateStore struct {
	states *expiringMap[domain.OAuthState]
}

// NewOAuthStateStore creates a store that sweeps expired states every sweepEvery.
func NewOAuthStateStore(sweepEvery time.Duration) *OAuthStateStore {
	return &OAuthStateStore{states: newExpiringMap[domain.OAuthState](sweepEvery)}
}

// Put stores a pending state with ttl.
func (s *OAuthStateStore) Put(_ context.Context, state *domain.OAuthState, ttl time.Duration) error {
	if !s.states.putIfAbsent(state.State, *state, ttl) {
		return ErrStateExists
	}
	return nil
}

// Consume returns and deletes a live state. Returns nil, nil if absent or expired.
func (s *OAuthStateStore) Consume(_ context.Context, state string) (*domain.OAuthState, error) {
	st, ok := s.states.get(state, true)
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Close stops the sweeper goroutine.
func (s *OAuthStateStore) Close() error {
	s.states.close()
	return nil
}

// IdempotencyCache implements ports.IdempotencyCache with an expiring map.
type IdempotencyCache struct {
	items *expiringMap[[]byte]
}

// NewIdempotencyCache creates a cache that sweeps expired entries every sweepEvery.
func NewIdempotencyCache(sweepEvery time.Duration) *IdempotencyCache {
	return &IdempotencyCache{items: newExpiringMap[[]byte](sweepEvery)}
}

// Get returns the cached value or nil.
func (c *IdempotencyCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := c.items.get(key, false)
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Set stores value for ttl unless a live entry already holds the key.
func (c *IdempotencyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.items.putIfAbsent(key, append([]byte(nil), value...), ttl)
	return nil
}

// Close stops the sweeper goroutine.
func (c *IdempotencyCache) Close() error {
	c.items.close()
	return nil
}
