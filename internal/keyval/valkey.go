package keyval

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore implements Store against a Valkey server.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkeyStore wraps an existing Valkey client.
func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	result := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := result.Error(); err != nil {
		// Key not found is not an error in our semantics
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return "", false, fmt.Errorf("failed to convert value to string: %w", err)
	}

	return val, true, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(value).ExSeconds(ttlSeconds(ttl)).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(value).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

func (s *ValkeyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Set().Key(key).Value(value).Nx().ExSeconds(ttlSeconds(ttl)).Build()

	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		// a nil reply means the key already holds an unexpired entry
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to set value if absent: %w", err)
	}
	return true, nil
}

func (s *ValkeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	cmd := s.client.B().Del().Key(keys...).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Keys iterates the keyspace with SCAN; the blocking KEYS command is never
// issued against the shared store.
func (s *ValkeyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, entry.Elements...)

		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *ValkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence: %w", err)
	}
	return count == 1, nil
}

func (s *ValkeyStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	// NX keeps the window anchored at the first increment.
	expire := s.client.B().Expire().Key(key).Seconds(ttlSeconds(window)).Nx().Build()
	if err := s.client.Do(ctx, expire).Error(); err != nil {
		return count, fmt.Errorf("failed to set counter expiry: %w", err)
	}

	return count, nil
}

func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("store ping failed: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Close() {
	s.client.Close()
}

// ttlSeconds converts a duration to whole seconds, rounding sub-second
// durations up so a short TTL never becomes "no expiry".
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second > 0 || secs == 0 {
		secs++
	}
	return secs
}
