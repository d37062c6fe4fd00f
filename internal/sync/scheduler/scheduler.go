// Package scheduler drives background work: periodic reconciliation while
// online, and the retry tick that resumes queued operations whose backoff
// has elapsed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context) (*models.SyncResult, error)
}

// RetryDriver resumes due operations.
type RetryDriver interface {
	ProcessDue(now time.Time) int
	Stats() queue.Stats
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer        Syncer
	queue         RetryDriver
	syncInterval  time.Duration
	queueInterval time.Duration
	syncTimeout   time.Duration
	now           func() time.Time
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex

	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastSyncResult *models.SyncResult
	lastSyncError  string
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to reconcile when online (default: 15 minutes)
	QueueInterval time.Duration // How often the retry driver ticks (default: 1 second)
	SyncTimeout   time.Duration // Upper bound for one reconciliation pass (default: 5 minutes)
	Now           func() time.Time
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		QueueInterval: time.Second,
		SyncTimeout:   5 * time.Minute,
		Now:           time.Now,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer Syncer, q RetryDriver, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}

	return &Scheduler{
		syncer:        syncer,
		queue:         q,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		syncTimeout:   config.SyncTimeout,
		now:           config.Now,
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.wg.Add(2)
	s.mu.Unlock()

	go s.periodicSyncLoop(ctx, stop)
	go s.retryLoop(ctx, stop)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"queue_interval": s.queueInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit. Queued
// operations stay persisted for the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// While offline periodic reconciliation is skipped; the retry tick keeps running.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync skipped: already in progress or stopping", nil)
			}
		}
	}
}

func (s *Scheduler) retryLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.ProcessQueue()
		}
	}
}

// ProcessQueue runs one retry tick.
func (s *Scheduler) ProcessQueue() int {
	resumed := s.queue.ProcessDue(s.now())
	if resumed > 0 {
		logging.Debug("Resumed due operations", map[string]interface{}{"count": resumed})
	}
	return resumed
}

func (s *Scheduler) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) endSync(result *models.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	if err != nil {
		s.lastSyncError = err.Error()
		return
	}
	s.lastSyncTime = s.now()
	s.lastSyncResult = result
	s.lastSyncError = ""
}

func (s *Scheduler) runSync(ctx context.Context) (*models.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.syncer.Sync(syncCtx)
	s.endSync(result, err)
	if err != nil {
		logging.ErrorWithCode("Sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return nil, err
	}

	// The syncer reports the pass itself.
	logging.Debug("Scheduled sync pass finished",
		map[string]interface{}{"duration_ms": result.Duration.Milliseconds()})
	return result, nil
}

// TriggerSync starts a reconciliation pass in the background.
// Returns false if a pass is already in progress or the scheduler is not running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if !s.isRunning || s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	s.syncInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.runSync(ctx)
	}()
	return true
}

// SyncNow runs a reconciliation pass and waits for it. It fails with
// SYNC_FAILED when another pass is already running.
func (s *Scheduler) SyncNow(ctx context.Context) (*models.SyncResult, error) {
	if !s.beginSync() {
		return nil, errors.New(errors.ErrSyncFailed, "sync already in progress")
	}
	return s.runSync(ctx)
}

// SchedulerStatus is a snapshot of scheduler state.
type SchedulerStatus struct {
	IsRunning      bool               `json:"is_running"`
	IsOnline       bool               `json:"is_online"`
	LastSyncTime   *time.Time         `json:"last_sync_time,omitempty"`
	LastSyncResult *models.SyncResult `json:"last_sync_result,omitempty"`
	LastSyncError  string             `json:"last_sync_error,omitempty"`
	SyncInProgress bool               `json:"sync_in_progress"`
	QueueStats     queue.Stats        `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		LastSyncResult: s.lastSyncResult,
		LastSyncError:  s.lastSyncError,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.QueueStats = s.queue.Stats()
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
