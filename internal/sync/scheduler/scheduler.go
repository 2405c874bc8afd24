// Package scheduler runs sync passes in the background: on a periodic
// tick, on reconnect and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/logging"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

// ConnectivitySource reports connectivity and announces transitions.
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.Engine
	conn         ConnectivitySource
	syncInterval time.Duration
	passTimeout  time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	unsubscribe  func()
	lastSyncTime time.Time
	lastSummary  *syncpkg.Summary
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online (default: 5 minutes)
	PassTimeout  time.Duration // Upper bound for one background pass
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		PassTimeout:  10 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. conn may be nil, in which case
// the scheduler assumes it is always online and never hears reconnects.
func NewScheduler(engine syncpkg.Engine, conn ConnectivitySource, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		engine:       engine,
		conn:         conn,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the periodic loop and the reconnect subscription.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	if s.conn != nil {
		s.unsubscribe = s.conn.Subscribe(func(online bool) {
			if !online {
				return
			}
			logging.Info("connection restored, triggering sync", nil)
			s.TriggerSync(ctx)
		})
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the scheduler and waits for in-flight passes it started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	close(s.stopCh)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) online() bool {
	return s.conn == nil || s.conn.IsOnline()
}

// periodicSyncLoop runs a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.online() {
				continue
			}
			s.runSync(ctx, "periodic")
		}
	}
}

// runSync executes one pass. Overlap is resolved by the engine's guard.
func (s *Scheduler) runSync(ctx context.Context, trigger string) syncpkg.Summary {
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	sum := s.engine.SyncPending(ctx, syncpkg.ScopeAll)
	s.record(sum)

	if sum.Outcome != syncpkg.OutcomeSkipped {
		logging.Info("Background sync finished", map[string]interface{}{
			"trigger": trigger,
			"outcome": string(sum.Outcome),
			"message": sum.Message(),
		})
	}
	return sum
}

func (s *Scheduler) record(sum syncpkg.Summary) {
	if sum.Outcome == syncpkg.OutcomeSkipped || sum.Outcome == syncpkg.OutcomeOffline {
		return
	}
	s.mu.Lock()
	s.lastSyncTime = sum.FinishedAt
	s.lastSummary = &sum
	s.mu.Unlock()
}

// TriggerSync starts a pass in the background. It returns false when the
// scheduler is not running or the device is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if !s.isRunning || !s.online() {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(ctx, "triggered")
	}()
	return true
}

// SyncNow runs a manual pass and waits for it. The backend is probed
// first so an unreachable server is reported without attempting records.
func (s *Scheduler) SyncNow(ctx context.Context, scope syncpkg.Scope) syncpkg.Summary {
	sum := s.engine.ManualSync(ctx, scope)
	s.record(sum)
	return sum
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning    bool
	IsOnline     bool
	LastSyncTime *time.Time
	LastSummary  *syncpkg.Summary
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.online(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastSummary != nil {
		sum := *s.lastSummary
		status.LastSummary = &sum
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
