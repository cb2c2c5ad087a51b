package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/ratelimit"
	"github.com/marketsync/backend/internal/domain/shared"
)

var recoveryNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recoveryFixture struct {
	svc    *RecoveryService
	mp     *fakeMarketplace
	q      *fakeEnqueuer
	runs   *fakeRuns
	store  shared.AtomicStore
	cps    *CheckpointStore
	tenant string
}

func newRecoveryFixture(t *testing.T, opts ...RecoveryOption) *recoveryFixture {
	t.Helper()
	store, _ := newRedisStore(t)
	f := &recoveryFixture{
		mp:     newFakeMarketplace(),
		q:      &fakeEnqueuer{failOn: map[string]bool{}},
		runs:   &fakeRuns{},
		store:  store,
		cps:    NewCheckpointStore(store),
		tenant: "123",
	}
	opts = append([]RecoveryOption{WithRecoveryClock(func() time.Time { return recoveryNow })}, opts...)
	f.svc = NewRecoveryService(f.mp, f.q, store, f.runs, RecoveryConfig{LockTTL: time.Minute}, zap.NewNop(), opts...)
	return f
}

func TestRecovery_ReplaysInOrderAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	f.mp.resources["orders_v2"] = []integration.Resource{
		resource("orders_v2", "3", recoveryNow.Add(-1*time.Hour)),
		resource("orders_v2", "1", recoveryNow.Add(-3*time.Hour)),
		resource("orders_v2", "2", recoveryNow.Add(-2*time.Hour)),
	}

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)

	require.Len(t, f.q.events, 3)
	assert.Equal(t, "/orders_v2/1", f.q.events[0].Resource)
	assert.Equal(t, "/orders_v2/2", f.q.events[1].Resource)
	assert.Equal(t, "/orders_v2/3", f.q.events[2].Resource)
	assert.Equal(t, "123", f.q.events[0].TenantID())

	cp, ok, err := f.cps.LastProcessed(ctx, f.tenant, "orders_v2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.Equal(recoveryNow.Add(-1*time.Hour)))

	assert.True(t, f.mp.sinceSeen["orders_v2"].Equal(recoveryNow.Add(-24*time.Hour)))
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, 3, f.runs.runs[0].Processed)

	loaded, err := f.svc.Checkpoint(ctx, f.tenant, "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Processed)
}

func TestRecovery_SkipsAtOrBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	cp := recoveryNow.Add(-2 * time.Hour)
	_, err := f.cps.Advance(ctx, f.tenant, "items", cp)
	require.NoError(t, err)

	f.mp.resources["items"] = []integration.Resource{
		resource("items", "a", cp),
		resource("items", "b", cp.Add(time.Minute)),
	}

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"items"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, f.mp.sinceSeen["items"].Equal(cp), "since is the checkpoint when it is inside the window")
}

func TestRecovery_MaxAgeBoundsOldCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	_, err := f.cps.Advance(ctx, f.tenant, "items", recoveryNow.Add(-30*24*time.Hour))
	require.NoError(t, err)

	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"items"}, MaxAgeHours: 48})
	require.NoError(t, err)
	assert.True(t, f.mp.sinceSeen["items"].Equal(recoveryNow.Add(-48*time.Hour)))
}

func TestRecovery_FailureFreezesCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	f.mp.resources["orders_v2"] = []integration.Resource{
		resource("orders_v2", "1", recoveryNow.Add(-3*time.Hour)),
		resource("orders_v2", "2", recoveryNow.Add(-2*time.Hour)),
		resource("orders_v2", "3", recoveryNow.Add(-1*time.Hour)),
	}
	f.q.failOn["2"] = true

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)

	cp, ok, err := f.cps.LastProcessed(ctx, f.tenant, "orders_v2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.Equal(recoveryNow.Add(-3*time.Hour)), "checkpoint must stop before the failed resource")
}

func TestRecovery_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	cp := recoveryNow.Add(-2 * time.Hour)
	_, err := f.cps.Advance(ctx, f.tenant, "orders_v2", cp)
	require.NoError(t, err)
	require.NoError(t, f.cps.AddCounts(ctx, f.tenant, "orders_v2", integration.RecoveryResult{Processed: 4, Failed: 1, Skipped: 2}))
	before, err := f.cps.Load(ctx, f.tenant, "orders_v2")
	require.NoError(t, err)

	f.mp.resources["orders_v2"] = []integration.Resource{
		resource("orders_v2", "old", cp.Add(-time.Hour)),
		resource("orders_v2", "1", recoveryNow.Add(-time.Hour)),
	}

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, f.q.count())
	assert.Empty(t, f.runs.runs)

	after, err := f.svc.Checkpoint(ctx, f.tenant, "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, before, after, "checkpoint and counters untouched")
	assert.True(t, after.LastProcessedAt.Equal(cp))
}

func TestRecovery_SubMillisecondAtCheckpointIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	cp := recoveryNow.Add(-2 * time.Hour)
	_, err := f.cps.Advance(ctx, f.tenant, "items", cp)
	require.NoError(t, err)

	f.mp.resources["items"] = []integration.Resource{
		resource("items", "same-ms", cp.Add(400*time.Microsecond)),
		resource("items", "next-ms", cp.Add(time.Millisecond)),
	}

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"items"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, f.q.events, 1)
	assert.Equal(t, "/items/next-ms", f.q.events[0].Resource)
}

func TestRecovery_ListingFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing listed is an error and no run", func(t *testing.T) {
		f := newRecoveryFixture(t)
		f.mp.listErr["orders_v2"] = integration.ErrMarketplaceUnavailable

		_, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
		assert.ErrorIs(t, err, integration.ErrRecoveryIncomplete)
		assert.ErrorIs(t, err, integration.ErrMarketplaceUnavailable)
		assert.Empty(t, f.runs.runs)

		_, ok, err := f.cps.LastProcessed(ctx, f.tenant, "orders_v2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("other topics still replay", func(t *testing.T) {
		f := newRecoveryFixture(t)
		f.mp.listErr["orders_v2"] = integration.ErrMarketplaceUnavailable
		f.mp.resources["items"] = []integration.Resource{resource("items", "a", recoveryNow.Add(-time.Hour))}

		_, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2", "items"}})
		assert.ErrorIs(t, err, integration.ErrRecoveryIncomplete)
		assert.Equal(t, 1, f.q.count())
		require.Len(t, f.runs.runs, 1)
		assert.Equal(t, 1, f.runs.runs[0].Processed)
	})

	t.Run("queue job is retried", func(t *testing.T) {
		f := newRecoveryFixture(t)
		f.mp.listErr["items"] = integration.ErrMarketplaceUnavailable
		job, err := queue.NewJob(queue.JobTypeRecoveryMissedFeeds, map[string]any{"tenant_id": f.tenant, "topics": []string{"items"}}, recoveryNow)
		require.NoError(t, err)

		err = f.svc.HandleJob(ctx, job)
		require.Error(t, err)
		assert.NotErrorIs(t, err, queue.ErrPermanent)
		assert.Empty(t, f.runs.runs)
	})

	t.Run("rejected credentials are not retried", func(t *testing.T) {
		f := newRecoveryFixture(t)
		f.mp.listErr["items"] = integration.ErrMarketplaceAuthFailed
		job, err := queue.NewJob(queue.JobTypeRecoveryMissedFeeds, map[string]any{"tenant_id": f.tenant, "topics": []string{"items"}}, recoveryNow)
		require.NoError(t, err)
		assert.ErrorIs(t, f.svc.HandleJob(ctx, job), queue.ErrPermanent)
	})
}

func TestRecovery_TruncatedListingHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	f.mp.resources["items"] = []integration.Resource{
		resource("items", "new", recoveryNow.Add(-time.Hour)),
		resource("items", "old", recoveryNow.Add(-3*time.Hour)),
	}
	f.mp.pageLimit["items"] = 1

	res, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"items"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	_, ok, err := f.cps.LastProcessed(ctx, f.tenant, "items")
	require.NoError(t, err)
	assert.False(t, ok, "a partial listing must not move the checkpoint")

	delete(f.mp.pageLimit, "items")
	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"items"}})
	require.NoError(t, err)

	var replayed []string
	for _, ev := range f.q.events {
		replayed = append(replayed, ev.ResourceID())
	}
	assert.Contains(t, replayed, "old")
	cp, ok, err := f.cps.LastProcessed(ctx, f.tenant, "items")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.Equal(recoveryNow.Add(-time.Hour)))
}

func TestRecovery_DefaultsToAllKnownTopics(t *testing.T) {
	f := newRecoveryFixture(t)
	_, err := f.svc.RecoverAllMissedFeeds(context.Background(), f.tenant, integration.RecoveryOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(KnownTopics()), f.mp.calls)
}

func TestRecovery_Validation(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	_, err := f.svc.RecoverAllMissedFeeds(ctx, "", integration.RecoveryOptions{})
	assert.ErrorIs(t, err, integration.ErrInvalidTenantID)

	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{MaxAgeHours: 169})
	assert.ErrorIs(t, err, integration.ErrInvalidMaxAge)

	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"bogus"}})
	assert.ErrorIs(t, err, integration.ErrUnknownTopic)
}

func TestRecovery_LockHeldByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	other := NewLock(f.store, LockKey(RecoveryLockPrefix, f.tenant), time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
	assert.ErrorIs(t, err, integration.ErrRecoveryInProgress)

	_, err = f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}, DryRun: true})
	assert.NoError(t, err, "dry runs do not take the lock")
}

func TestRecovery_ConcurrentCallsShareOneRun(t *testing.T) {
	f := newRecoveryFixture(t)
	f.mp.block = make(chan struct{})
	f.mp.resources["orders_v2"] = []integration.Resource{resource("orders_v2", "1", recoveryNow.Add(-time.Hour))}

	var wg stdsync.WaitGroup
	results := make([]integration.RecoveryResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.RecoverAllMissedFeeds(context.Background(), f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.mp.block)
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].Processed)
	}
	assert.Equal(t, 1, f.mp.calls)
	assert.Equal(t, 1, f.q.count())
}

type exhaustedQuota struct{}

func (exhaustedQuota) CheckDimension(_ context.Context, dim ratelimit.Dimension, _ string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: dim != ratelimit.DimensionMarketplaceAPI}, nil
}

func TestRecovery_QuotaExhausted(t *testing.T) {
	f := newRecoveryFixture(t, WithQuota(exhaustedQuota{}))
	f.mp.resources["orders_v2"] = []integration.Resource{resource("orders_v2", "1", recoveryNow.Add(-time.Hour))}

	res, err := f.svc.RecoverAllMissedFeeds(context.Background(), f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Zero(t, f.mp.calls)
}

func TestRecovery_Summary(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)
	f.mp.resources["orders_v2"] = []integration.Resource{resource("orders_v2", "1", recoveryNow.Add(-time.Hour))}

	_, err := f.svc.RecoverAllMissedFeeds(ctx, f.tenant, integration.RecoveryOptions{Topics: []string{"orders_v2"}})
	require.NoError(t, err)

	summary, err := f.svc.Summary(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalProcessed)
	require.NotNil(t, summary.LastRecovery)
}

func TestRecovery_HandleJob(t *testing.T) {
	ctx := context.Background()
	f := newRecoveryFixture(t)

	job, err := queue.NewJob(queue.JobTypeRecoveryMissedFeeds, map[string]any{"tenant_id": f.tenant, "topics": []string{"items"}}, recoveryNow)
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleJob(ctx, job))
	assert.Equal(t, 1, f.mp.calls)

	bad, err := queue.NewJob(queue.JobTypeRecoveryMissedFeeds, map[string]any{"tenant_id": ""}, recoveryNow)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.HandleJob(ctx, bad), queue.ErrPermanent)

	other := NewLock(f.store, LockKey(RecoveryLockPrefix, f.tenant), time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, f.svc.HandleJob(ctx, job), "a run already in progress is not a failure")
}
