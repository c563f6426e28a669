package cache

import (
	"context"
	"sync"
	"time"
)

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// memoryWindow is the per-process fixed-window strategy. A burst straddling
// a window boundary can reach twice the limit; the sliding window in the
// shared store does not have this weakness.
type memoryWindow struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newMemoryWindow(sweepInterval time.Duration) *memoryWindow {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &memoryWindow{
		windows: make(map[string]*fixedWindow),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

func (m *memoryWindow) name() string { return backendMemory }

func (m *memoryWindow) check(_ context.Context, key string, limit int, window time.Duration, now time.Time) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	return newRateLimitResult(w.count <= limit, limit, w.count, w.resetAt), nil
}

func (m *memoryWindow) reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	return nil
}

// sweep drops windows that have ended
func (m *memoryWindow) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

func (m *memoryWindow) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func (m *memoryWindow) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *memoryWindow) close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
