package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory. Used for single-node
// deployments and tests. Expiry is evaluated lazily on access, so the
// at-most-one-running guarantee holds exactly as with Redis.
type MemoryBackend struct {
	mu     sync.Mutex
	keys   map[string]memoryEntry
	lists  map[string][]string
	closed bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		keys:  make(map[string]memoryEntry),
		lists: make(map[string][]string),
	}
}

func (b *MemoryBackend) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// get returns the live entry for key, dropping it if expired.
// Callers must hold b.mu.
func (b *MemoryBackend) get(key string) (memoryEntry, bool) {
	e, ok := b.keys[key]
	if !ok {
		return memoryEntry{}, false
	}
	if b.expired(e) {
		delete(b.keys, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (b *MemoryBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.get(key); ok {
		return false, nil
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.keys[key] = entry
	return true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.keys[key] = entry
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
	return nil
}

func (b *MemoryBackend) ReleaseIfValue(ctx context.Context, key, value string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(b.keys, key)
	return true, nil
}

func (b *MemoryBackend) RefreshIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	b.keys[key] = e
	return true, nil
}

func (b *MemoryBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.get(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := time.Until(e.expiresAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (b *MemoryBackend) LPush(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append([]string{value}, b.lists[key]...)
	return nil
}

func (b *MemoryBackend) RPop(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	val := list[len(list)-1]
	b.lists[key] = list[:len(list)-1]
	if len(b.lists[key]) == 0 {
		delete(b.lists, key)
	}
	return val, true, nil
}

func (b *MemoryBackend) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (b *MemoryBackend) LLen(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

func (b *MemoryBackend) LRem(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.lists[key]
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		delete(b.lists, key)
	} else {
		b.lists[key] = out
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error {
	return nil
}
