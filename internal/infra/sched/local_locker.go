package sched

import (
	"context"
	"sync"
	"time"

	"chat-insights-batch/internal/domain"
	red "chat-insights-batch/internal/infra/redis"

	"github.com/google/uuid"
)

var _ red.Locker = (*LocalLocker)(nil)

// LocalLocker is the single-replica Locker used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && l.now().Before(lease.expires) {
		return "", domain.ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localLease{token: token, expires: l.now().Add(ttl)}
	return token, nil
}

func (l *LocalLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
	return nil
}
