package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/queue"
)

// fakeProcessor hands out a fixed number of jobs, then reports an empty queue.
type fakeProcessor struct {
	remaining atomic.Int64
	processed atomic.Int64
	panicOn   int64
}

func (f *fakeProcessor) ProcessOne(context.Context, queue.Handlers) bool {
	if f.remaining.Add(-1) < 0 {
		f.remaining.Store(0)
		return false
	}
	n := f.processed.Add(1)
	if n == f.panicOn {
		panic("boom")
	}
	return true
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	payloads []RecoveryJobPayload
	fail     map[string]bool
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, jobType queue.JobType, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := payload.(RecoveryJobPayload)
	if r.fail[p.TenantID] {
		return "", assert.AnError
	}
	if jobType != queue.JobTypeRecoveryMissedFeeds {
		return "", queue.ErrUnknownJobType
	}
	r.payloads = append(r.payloads, p)
	return "job-" + p.TenantID, nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func TestWorkerPoolConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultWorkerPoolConfig().Validate())
	assert.ErrorIs(t, WorkerPoolConfig{Workers: 0, PollInterval: time.Second}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, WorkerPoolConfig{Workers: 1}.Validate(), ErrInvalidConfig)
}

func TestWorkerPool_DrainsQueue(t *testing.T) {
	proc := &fakeProcessor{}
	proc.remaining.Store(25)

	pool, err := NewWorkerPool(WorkerPoolConfig{Workers: 3, PollInterval: 10 * time.Millisecond}, proc, queue.Handlers{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	assert.True(t, pool.IsRunning())

	assert.Eventually(t, func() bool { return proc.processed.Load() == 25 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	assert.False(t, pool.IsRunning())
	assert.NoError(t, pool.Stop(ctx))
}

func TestWorkerPool_SurvivesPanics(t *testing.T) {
	proc := &fakeProcessor{panicOn: 2}
	proc.remaining.Store(5)

	pool, err := NewWorkerPool(WorkerPoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond}, proc, queue.Handlers{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	assert.Eventually(t, func() bool { return proc.processed.Load() == 5 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
}

func TestRecoveryScheduler_EnqueueAll(t *testing.T) {
	q := &recordingEnqueuer{fail: map[string]bool{"broken": true}}
	s, err := NewRecoveryScheduler(RecoverySchedulerConfig{
		Enabled:     true,
		Interval:    time.Hour,
		Tenants:     []string{"123", "broken", "456"},
		MaxAgeHours: 48,
	}, q, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, s.EnqueueAll(context.Background()))
	assert.Equal(t, []RecoveryJobPayload{
		{TenantID: "123", MaxAgeHours: 48},
		{TenantID: "456", MaxAgeHours: 48},
	}, q.payloads)
}

func TestRecoveryScheduler_Ticks(t *testing.T) {
	q := &recordingEnqueuer{}
	s, err := NewRecoveryScheduler(RecoverySchedulerConfig{
		Enabled:  true,
		Interval: 10 * time.Millisecond,
		Tenants:  []string{"123"},
	}, q, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return q.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRecoveryScheduler_Disabled(t *testing.T) {
	s, err := NewRecoveryScheduler(RecoverySchedulerConfig{Enabled: false}, &recordingEnqueuer{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))

	_, err = NewRecoveryScheduler(RecoverySchedulerConfig{Enabled: true}, &recordingEnqueuer{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
