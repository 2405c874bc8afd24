// Package connectivity tracks whether the backend is believed reachable.
package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/logging"
)

// Prober actively checks backend reachability.
type Prober interface {
	CheckConnection(ctx context.Context) bool
}

// Monitor holds the online flag and notifies subscribers on transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	forced bool
	subs   map[int]func(online bool)
	nextID int
}

// NewMonitor creates a Monitor with an initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline reports the effective state. A forced-offline monitor is
// always offline.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective()
}

func (m *Monitor) effective() bool {
	return m.online && !m.forced
}

// SetOnline records an OS-level or probed transition.
func (m *Monitor) SetOnline(online bool) {
	m.update(func() { m.online = online })
}

// ForceOffline pins the monitor offline until called with false.
func (m *Monitor) ForceOffline(forced bool) {
	m.update(func() { m.forced = forced })
}

func (m *Monitor) update(change func()) {
	m.mu.Lock()
	before := m.effective()
	change()
	after := m.effective()
	var subs []func(bool)
	if before != after {
		ids := make([]int, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			subs = append(subs, m.subs[id])
		}
	}
	m.mu.Unlock()

	if before == after {
		return
	}
	logging.Info("connectivity changed", map[string]interface{}{"online": after})
	for _, fn := range subs {
		fn(after)
	}
}

// Subscribe registers fn for transitions and returns its removal func.
// Subscribers run synchronously in registration order.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Watch probes p every interval and feeds the result to SetOnline until
// ctx is done. A non-positive interval returns immediately.
func (m *Monitor) Watch(ctx context.Context, p Prober, interval time.Duration) {
	if p == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.SetOnline(p.CheckConnection(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(p.CheckConnection(ctx))
		}
	}
}
