package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// localEntry is one value in the in-process fallback backend.
type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// localBackend is a mutex-guarded map used when Redis is unreachable at
// startup. Entries expire lazily on read and eagerly via sweep.
type localBackend struct {
	mu      sync.Mutex
	entries map[string]localEntry

	now func() time.Time
}

func newLocalBackend() *localBackend {
	return &localBackend{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

func (b *localBackend) name() string { return "local" }

func (b *localBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if b.now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *localBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = localEntry{value: value, expiresAt: b.now().Add(ttl)}
	return nil
}

func (b *localBackend) delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

func (b *localBackend) deletePrefix(ctx context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed, nil
}

// sweep removes expired entries and returns how many were dropped.
func (b *localBackend) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

func (b *localBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
