package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache for single-instance deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	clean   *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemory starts a Memory cache whose janitor sweeps expired entries every
// cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		clean:   time.NewTicker(cleanupInterval),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: stored, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, patterns ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pattern := range patterns {
		if !hasWildcard(pattern) {
			delete(m.entries, pattern)
			continue
		}
		for key := range m.entries {
			if ok, _ := path.Match(pattern, key); ok {
				delete(m.entries, key)
			}
		}
	}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.clean.Stop()
		close(m.done)
	})
	return nil
}

func (m *Memory) cleanup() {
	for {
		select {
		case <-m.clean.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}
