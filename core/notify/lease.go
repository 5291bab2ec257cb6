package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is the single-flight token guarding dispatch sweeps.
// Implementations must let only one holder in at a time and make Release a no-op for a stale token.
type Lease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// LocalLease guards sweeps within one process.
type LocalLease struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ Lease = (*LocalLease)(nil)

func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

func (l *LocalLease) TryAcquire(_ context.Context, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := NowFunc()
	if l.token != "" && (ttl <= 0 || now.Before(l.expires)) {
		return "", false, nil
	}
	l.token = uuid.New().String()
	l.expires = now.Add(ttl)
	return l.token, true, nil
}

func (l *LocalLease) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token != "" && token == l.token {
		l.token = ""
	}
	return nil
}
