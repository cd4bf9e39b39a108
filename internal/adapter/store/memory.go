// Package store provides the dedup and rate-limit stores behind the event
// collector: an in-memory implementation for dev and a Redis-backed one for
// prod. Both implement the same domain ports.
package store

import (
	"sync"
	"time"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// MemoryStore implements domain.DedupStore and domain.RateLimitStore with
// process-local maps. Suitable for a single-instance dev collector only;
// entries expire lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	dedup   map[string]time.Time
	buckets map[string]bucket
	now     func() time.Time
}

type bucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dedup:   make(map[string]time.Time),
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

// Seen reports whether the fingerprint is present and unexpired.
func (s *MemoryStore) Seen(_ domain.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.dedup[fingerprint]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.dedup, fingerprint)
		return false, nil
	}
	return true, nil
}

// Add records the fingerprint with a TTL.
func (s *MemoryStore) Add(_ domain.Context, fingerprint string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[fingerprint] = s.now().Add(ttl)
	return nil
}

// Incr bumps the bucket, creating it with ttl on first use, and returns the
// post-increment count.
func (s *MemoryStore) Incr(_ domain.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok || s.now().After(b.expiresAt) {
		b = bucket{expiresAt: s.now().Add(ttl)}
	}
	b.count++
	s.buckets[key] = b
	return b.count, nil
}

// Count returns the bucket's current count, zero when absent or expired.
func (s *MemoryStore) Count(_ domain.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok || s.now().After(b.expiresAt) {
		return 0, nil
	}
	return b.count, nil
}
