// Package lock provides path locks so the same (asset, buy, sell) path is
// executed by at most one plan at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lock: already held")

// Locker acquires a named lock with a TTL. The returned unlock func may be
// called more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type holder struct {
	token   uint64
	expires time.Time
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]holder
	next  uint64
	clock func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]holder), clock: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, ErrHeld
	}
	l.next++
	h := holder{token: l.next}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	l.held[key] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// a lapsed lock may already belong to someone else
			if cur, ok := l.held[key]; ok && cur.token == h.token {
				delete(l.held, key)
			}
		})
	}, nil
}
