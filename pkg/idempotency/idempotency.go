package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/models"
	"github.com/daverjorge46/yoyoclaw-sub006/pkg/store"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "idem:"
)

// Store maps a verdict-derived key to the execution result it produced,
// guaranteeing at-most-one dispatch per verdict across retries and
// duplicate calls. Results are recorded on failure too, so a failed
// dispatch is never silently retried with duplicate side effects.
type Store struct {
	cache  store.Cache
	ttl    time.Duration
	prefix string
}

func New(cache store.Cache) *Store {
	return &Store{cache: cache, ttl: defaultTTL, prefix: defaultPrefix}
}

// NewWithTTL overrides the record retention window.
func NewWithTTL(cache store.Cache, ttl time.Duration) *Store {
	s := New(cache)
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Get returns the recorded result for key, if any.
func (s *Store) Get(ctx context.Context, key string) (models.ExecutionResult, bool, error) {
	raw, err := s.cache.Get(ctx, s.prefix+key)
	if errors.Is(err, store.ErrNotFound) {
		return models.ExecutionResult{}, false, nil
	}
	if err != nil {
		return models.ExecutionResult{}, false, fmt.Errorf("idempotency get: %w", err)
	}
	var res models.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return models.ExecutionResult{}, false, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return res, true, nil
}

// Record stores the result under key. The write is SetNX-based so the
// first recorded result for a key wins; a concurrent duplicate can never
// overwrite what the original call recorded.
func (s *Store) Record(ctx context.Context, key string, res models.ExecutionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	if _, err := s.cache.SetNX(ctx, s.prefix+key, string(raw), s.ttl); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	return nil
}
