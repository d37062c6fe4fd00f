package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

type fakeSyncer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (f *fakeSyncer) Sync(ctx context.Context) (*models.SyncResult, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.SyncResult{Fetched: 3, Upserted: 1}, nil
}

type fakeDriver struct {
	mu    sync.Mutex
	ticks []time.Time
	due   int
}

func (f *fakeDriver) ProcessDue(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, now)
	return f.due
}

func (f *fakeDriver) Stats() queue.Stats {
	return queue.Stats{Total: 2, Pending: 2}
}

func (f *fakeDriver) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

func fastConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  20 * time.Millisecond,
		QueueInterval: 10 * time.Millisecond,
	}
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Second, cfg.QueueInterval)
	assert.Equal(t, 5*time.Minute, cfg.SyncTimeout)
}

func TestNewScheduler_fillsDefaults(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, &fakeDriver{}, &SchedulerConfig{SyncInterval: time.Minute})
	assert.Equal(t, time.Minute, s.syncInterval)
	assert.Equal(t, time.Second, s.queueInterval)
	assert.True(t, s.IsOnline())
	assert.False(t, s.IsRunning())
}

func TestScheduler_startRunsBothLoops(t *testing.T) {
	syncer := &fakeSyncer{}
	driver := &fakeDriver{}
	s := NewScheduler(syncer, driver, fastConfig())

	s.Start(context.Background())
	s.Start(context.Background()) // idempotent
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool {
		return syncer.calls.Load() > 0 && driver.tickCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestScheduler_offlineSkipsSyncButKeepsRetrying(t *testing.T) {
	syncer := &fakeSyncer{}
	driver := &fakeDriver{}
	s := NewScheduler(syncer, driver, fastConfig())
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return driver.tickCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Zero(t, syncer.calls.Load())
}

func TestScheduler_stopOnContextCancel(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, &fakeDriver{}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit on context cancel")
	}
}

func TestSyncNow(t *testing.T) {
	now := time.UnixMilli(42_000)
	s := NewScheduler(&fakeSyncer{}, &fakeDriver{}, &SchedulerConfig{Now: func() time.Time { return now }})

	result, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)

	status := s.GetStatus()
	require.NotNil(t, status.LastSyncTime)
	assert.Equal(t, now, *status.LastSyncTime)
	assert.Equal(t, 1, status.LastSyncResult.Upserted)
	assert.Equal(t, 2, status.QueueStats.Pending)
}

func TestSyncNow_failureRecorded(t *testing.T) {
	s := NewScheduler(&fakeSyncer{err: errors.New("remote down")}, &fakeDriver{}, nil)

	_, err := s.SyncNow(context.Background())
	assert.Error(t, err)

	status := s.GetStatus()
	assert.Nil(t, status.LastSyncTime)
	assert.Equal(t, "remote down", status.LastSyncError)
	assert.False(t, status.SyncInProgress)
}

func TestTriggerSync_singleFlight(t *testing.T) {
	syncer := &fakeSyncer{release: make(chan struct{})}
	s := NewScheduler(syncer, &fakeDriver{}, nil)
	s.Start(context.Background())
	defer s.Stop()

	assert.True(t, s.TriggerSync(context.Background()))
	assert.False(t, s.TriggerSync(context.Background()))

	_, err := s.SyncNow(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))

	close(syncer.release)
	require.Eventually(t, func() bool { return !s.GetStatus().SyncInProgress }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, syncer.calls.Load())
}

func TestProcessQueue_usesClock(t *testing.T) {
	now := time.UnixMilli(7_000)
	driver := &fakeDriver{due: 2}
	s := NewScheduler(&fakeSyncer{}, driver, &SchedulerConfig{Now: func() time.Time { return now }})

	assert.Equal(t, 2, s.ProcessQueue())
	assert.Equal(t, []time.Time{now}, driver.ticks)
}

func TestScheduler_restartAfterStop(t *testing.T) {
	driver := &fakeDriver{}
	s := NewScheduler(&fakeSyncer{}, driver, fastConfig())
	ctx := context.Background()

	s.Start(ctx)
	s.Stop()
	assert.False(t, s.TriggerSync(ctx), "stopped scheduler starts no passes")

	ticks := driver.tickCount()
	s.Start(ctx)
	require.Eventually(t, func() bool { return driver.tickCount() > ticks }, 2*time.Second, 5*time.Millisecond,
		"loops must run again after a restart")
	assert.True(t, s.IsRunning())

	s.Stop()
	assert.NotPanics(t, s.Stop)
	assert.False(t, s.IsRunning())
}

func TestScheduler_stopWaitsForTriggeredSync(t *testing.T) {
	syncer := &fakeSyncer{release: make(chan struct{})}
	s := NewScheduler(syncer, &fakeDriver{}, nil)
	s.Start(context.Background())
	require.True(t, s.TriggerSync(context.Background()))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(syncer.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.TriggerSync(context.Background()))
}

func TestSyncNow_leavesPassSummaryToSyncer(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Get()
	logging.SetGlobal(logging.New(&buf, logging.LevelInfo, logging.FormatJSON))
	defer logging.SetGlobal(prev)

	s := NewScheduler(&fakeSyncer{}, &fakeDriver{}, nil)
	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "Sync completed")
}
