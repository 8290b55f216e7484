package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	evictInterval  = time.Minute
	idleEvictAfter = 10 * time.Minute
)

// entry tracks the token bucket for one key.
type entry struct {
	tokens  float64
	updated time.Time
}

// MemoryLimiter is an in-process token bucket Limiter. Each key refills at
// rate tokens per second up to burst capacity. Idle keys are evicted by a
// background goroutine so the map stays bounded.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key with bursts up to burst. Call Close to stop the eviction
// goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token for key, reporting whether one was available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{tokens: m.burst, updated: now}
		m.entries[key] = e
	} else {
		e.tokens += now.Sub(e.updated).Seconds() * m.rate
		if e.tokens > m.burst {
			e.tokens = m.burst
		}
		e.updated = now
	}

	if e.tokens < 1 {
		return false, nil
	}
	e.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleEvictAfter)
			m.mu.Lock()
			for key, e := range m.entries {
				if e.updated.Before(cutoff) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
