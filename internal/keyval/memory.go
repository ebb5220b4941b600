package keyval

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// evictionBackstop bounds how long the in-memory store retains any entry,
// including entries stored without a TTL.
const evictionBackstop = 24 * time.Hour

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Entries are held in an otter cache bounded by size and a backstop
// TTL; atomic read-modify-write operations are serialized with a mutex.
type MemoryStore struct {
	mu    sync.Mutex
	cache *otter.Cache[string, memoryEntry]
	keys  map[string]struct{}
	now   func() time.Time
}

// NewMemoryStore creates an in-memory store bounded to maxSize entries.
func NewMemoryStore(maxSize int) *MemoryStore {
	cache := otter.Must(&otter.Options[string, memoryEntry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryCreating[string, memoryEntry](evictionBackstop),
	})

	return &MemoryStore{
		cache: cache,
		keys:  make(map[string]struct{}),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.store(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		s.cache.Invalidate(key)
		delete(s.keys, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []string
	for key := range s.keys {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, live := s.live(key); live {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := int64(1)
	ttl := window
	if entry, ok := s.live(key); ok {
		count = parseCount(entry.value) + 1
		// preserve the original window anchor
		ttl = entry.expiresAt.Sub(s.now())
	}

	s.store(key, formatCount(count), ttl)
	return count, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() {}

// live returns the entry for key if present and unexpired, expiring it
// otherwise. Callers must hold the mutex.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.cache.GetEntry(key)
	if !ok {
		delete(s.keys, key)
		return memoryEntry{}, false
	}

	if !entry.Value.expiresAt.IsZero() && !s.now().Before(entry.Value.expiresAt) {
		s.cache.Invalidate(key)
		delete(s.keys, key)
		return memoryEntry{}, false
	}

	return entry.Value, true
}

func (s *MemoryStore) store(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.cache.Set(key, entry)
	s.keys[key] = struct{}{}
}

func parseCount(value string) int64 {
	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return count
}

func formatCount(count int64) string {
	return strconv.FormatInt(count, 10)
}
