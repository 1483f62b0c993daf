// Package scheduler turns connectivity changes, manual requests and retry
// timers into sync passes. It is the only caller of the engine, so at most
// one pass runs at a time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
	syncpkg "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/sync/connectivity"
)

// Trigger reasons.
const (
	ReasonStartup = "startup"
	ReasonOnline  = "online"
	ReasonManual  = "manual"
	ReasonWake    = "wake"
	ReasonSafety  = "safety"
	ReasonEnqueue = "enqueue"
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PassTimeout    time.Duration // Upper bound of one pass (default: 5 minutes)
	SafetyInterval time.Duration // Pass at least this often while online (default: 10 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PassTimeout:    5 * time.Minute,
		SafetyInterval: 10 * time.Minute,
	}
}

// passOutcome is handed to SyncNow callers.
type passOutcome struct {
	result *syncpkg.SyncResult
	err    error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine  syncpkg.SyncEngineInterface
	events  <-chan connectivity.Event
	clock   clock.Clock
	config  SchedulerConfig
	trigger chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	lastErr        error
	passCancel     context.CancelFunc
	wakeTimer      *clock.Timer
	nextWake       time.Time
	waiting        []chan passOutcome
}

// NewScheduler creates a new Scheduler. events may be nil when the online
// state is only set through SetOnlineStatus. The scheduler starts offline.
func NewScheduler(engine syncpkg.SyncEngineInterface, events <-chan connectivity.Event, clk clock.Clock, config *SchedulerConfig) *Scheduler {
	cfg := *DefaultSchedulerConfig()
	if config != nil {
		if config.PassTimeout > 0 {
			cfg.PassTimeout = config.PassTimeout
		}
		if config.SafetyInterval > 0 {
			cfg.SafetyInterval = config.SafetyInterval
		}
	}

	return &Scheduler{
		engine:  engine,
		events:  events,
		clock:   clk,
		config:  cfg,
		trigger: make(chan string, 1),
	}
}

// Start starts the background loop. A pass runs right away if online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.watch(ctx, s.stopCh)
	go s.loop(ctx, s.stopCh)

	s.Trigger(ReasonStartup)
	logging.Info("Background sync scheduler started", nil)
}

// Stop cancels an in-flight pass and stops the loop. Records being
// delivered roll back to queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.passCancel != nil {
		s.passCancel()
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	s.nextWake = time.Time{}
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	s.mu.Lock()
	waiting := s.waiting
	s.waiting = nil
	s.mu.Unlock()
	for _, ch := range waiting {
		ch <- passOutcome{err: errors.New(errors.ErrSyncFailed, "scheduler stopped")}
	}

	logging.Info("Background sync scheduler stopped", nil)
}

// Trigger asks for a pass. Triggers that arrive while one is pending or
// running collapse into a single follow-up pass.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
		logging.Debug("Sync trigger coalesced", map[string]interface{}{"reason": reason})
	}
}

// SetOnlineStatus changes the online status of the scheduler. Going online
// triggers a pass; going offline cancels the running one.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	if wasOnline && !isOnline && s.passCancel != nil {
		s.passCancel()
	}
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.Trigger(ReasonOnline)
	}
}

// watch follows connectivity events. It runs apart from loop so that going
// offline can cancel a pass that loop is blocked in.
func (s *Scheduler) watch(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.SetOnlineStatus(ev.Online)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	safety := s.clock.NewTicker(s.config.SafetyInterval)
	defer safety.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-safety.C:
			s.Trigger(ReasonSafety)
		case reason := <-s.trigger:
			s.runPass(ctx, stopCh, reason)
		}
	}
}

// runPass runs one engine pass and serves the SyncNow callers that were
// waiting when it began.
func (s *Scheduler) runPass(ctx context.Context, stopCh <-chan struct{}, reason string) {
	s.mu.Lock()
	if !s.isRunning {
		// Stop is in progress and fails the waiters itself.
		s.mu.Unlock()
		return
	}
	waiting := s.waiting
	s.waiting = nil
	if !s.isOnline {
		s.mu.Unlock()
		logging.Debug("Skipping sync - scheduler is offline", map[string]interface{}{"reason": reason})
		for _, ch := range waiting {
			ch <- passOutcome{err: errors.New(errors.ErrNetworkFailure, "device is offline")}
		}
		return
	}
	passCtx, cancel := context.WithTimeout(ctx, s.config.PassTimeout)
	s.passCancel = cancel
	s.syncInProgress = true
	s.mu.Unlock()

	logging.Debug("Starting sync pass", map[string]interface{}{"reason": reason})
	result, err := s.engine.Sync(passCtx)
	cancel()

	s.mu.Lock()
	s.passCancel = nil
	s.syncInProgress = false
	s.lastErr = err
	if result != nil {
		s.lastResult = result
	}
	if err == nil {
		s.lastSyncTime = s.clock.Now()
	}
	s.mu.Unlock()

	if err != nil && passCtx.Err() == nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
	}
	for _, ch := range waiting {
		ch <- passOutcome{result: result, err: err}
	}

	select {
	case <-stopCh:
		return
	default:
	}
	s.armWake(ctx)
}

// armWake replaces the wake timer with one at the engine's next due time.
func (s *Scheduler) armWake(ctx context.Context) {
	at, ok, err := s.engine.NextWake(ctx)
	if err != nil {
		logging.Warn("Could not compute next sync wake", map[string]interface{}{"error": err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	s.nextWake = time.Time{}
	if !ok || !s.isRunning {
		return
	}
	d := at.Sub(s.clock.Now())
	s.nextWake = at
	s.wakeTimer = s.clock.AfterFunc(d, func() { s.Trigger(ReasonWake) })
}

// SyncNow triggers a pass and waits for its outcome.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	ch := make(chan passOutcome, 1)
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncFailed, "scheduler is not running")
	}
	s.waiting = append(s.waiting, ch)
	s.mu.Unlock()

	s.Trigger(ReasonManual)

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SchedulerStatus is a snapshot for the status surface.
type SchedulerStatus struct {
	IsRunning      bool                `json:"isRunning"`
	IsOnline       bool                `json:"isOnline"`
	SyncInProgress bool                `json:"syncInProgress"`
	LastSyncTime   *time.Time          `json:"lastSyncTime,omitempty"`
	NextWake       *time.Time          `json:"nextWake,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"lastResult,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.nextWake.IsZero() {
		t := s.nextWake
		status.NextWake = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
