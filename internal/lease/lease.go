// Package lease serializes work per process id, in-process or across
// instances through Redis.
package lease

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fairwatch/internal/config"
)

// Locker grants exclusive leases on keys. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
	Close() error
}

func New(cfg config.LeaseConfig) (Locker, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported lease driver: %s", cfg.Driver)
	}
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Memory is a keyed mutex whose waits honour context cancellation.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(key, s)
		})
	}, nil
}

func (m *Memory) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

func (m *Memory) Close() error {
	return nil
}
