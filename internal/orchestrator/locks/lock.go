package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DistributedLock is a TTL-scoped mutual exclusion primitive over a Backend.
// Each acquisition holds a unique token so release and refresh cannot touch
// a lock that has expired and been re-acquired by a peer.
type DistributedLock struct {
	backend Backend
	key     string
	ttl     time.Duration
	token   string
}

// NewDistributedLock creates a lock on key with the given TTL.
func NewDistributedLock(backend Backend, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		backend: backend,
		key:     key,
		ttl:     ttl,
	}
}

// TryAcquire attempts a non-blocking acquisition. Returns false if a peer
// holds the lock.
func (l *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.backend.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Refresh extends the TTL if this instance still holds the lock.
func (l *DistributedLock) Refresh(ctx context.Context) (bool, error) {
	if l.token == "" {
		return false, nil
	}
	return l.backend.RefreshIfValue(ctx, l.key, l.token, l.ttl)
}

// Release drops the lock if this instance still holds it.
func (l *DistributedLock) Release(ctx context.Context) (bool, error) {
	if l.token == "" {
		return false, nil
	}
	ok, err := l.backend.ReleaseIfValue(ctx, l.key, l.token)
	l.token = ""
	return ok, err
}

// Key returns the backend key this lock guards.
func (l *DistributedLock) Key() string {
	return l.key
}
