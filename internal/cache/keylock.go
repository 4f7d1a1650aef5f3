package cache

import (
	"context"
	"sync"
	"time"
)

// keyLocks 为每个 key 提供一个容量为 1 的 channel 作为锁，支持带时限的等待。
type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[Key]chan struct{})}
}

func (l *keyLocks) slot(key Key) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// lock waits up to wait for the key; wait <= 0 waits until ctx is done.
func (l *keyLocks) lock(ctx context.Context, key Key, wait time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	default:
	}
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrKeyBusy
	}
}

func (l *keyLocks) tryLock(key Key) (func(), bool) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
