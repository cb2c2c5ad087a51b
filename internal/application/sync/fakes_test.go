package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/marketsync/backend/internal/domain/integration"
	"github.com/marketsync/backend/internal/domain/queue"
	"github.com/marketsync/backend/internal/domain/webhook"
	"github.com/marketsync/backend/internal/infrastructure/cache"
)

func newRedisStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := cache.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

type fakeMarketplace struct {
	mu        stdsync.Mutex
	resources map[string][]integration.Resource
	listErr   map[string]error
	pageLimit map[string]int
	sinceSeen map[string]time.Time
	calls     int
	block     chan struct{}
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		resources: map[string][]integration.Resource{},
		listErr:   map[string]error{},
		pageLimit: map[string]int{},
		sinceSeen: map[string]time.Time{},
	}
}

func (f *fakeMarketplace) GetResource(_ context.Context, topic, id string) (*integration.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.resources[topic] {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, integration.ErrResourceNotFound
}

func (f *fakeMarketplace) ListChangedSince(_ context.Context, _, topic string, since time.Time) ([]integration.Resource, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sinceSeen[topic] = since
	if err := f.listErr[topic]; err != nil {
		return nil, err
	}
	var out []integration.Resource
	for _, r := range f.resources[topic] {
		if since.IsZero() || !r.LastUpdated.Before(since) {
			out = append(out, r)
		}
	}
	if n, ok := f.pageLimit[topic]; ok && len(out) > n {
		return out[:n], integration.ErrListingTruncated
	}
	return out, nil
}

type fakeEnqueuer struct {
	mu     stdsync.Mutex
	events []*webhook.Event
	jobs   []queue.JobType
	failOn map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType queue.JobType, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobType)
	if ev, ok := payload.(*webhook.Event); ok {
		if f.failOn[ev.ResourceID()] {
			return "", integration.ErrMarketplaceUnavailable
		}
		f.events = append(f.events, ev)
	}
	return "job", nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeRuns struct {
	mu   stdsync.Mutex
	runs []*integration.RecoveryRun
}

func (f *fakeRuns) Save(_ context.Context, run *integration.RecoveryRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRuns) Summary(_ context.Context, tenantID string) (*integration.RecoverySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &integration.RecoverySummary{}
	for _, r := range f.runs {
		if r.TenantID != tenantID {
			continue
		}
		s.Runs++
		s.TotalProcessed += int64(r.Processed)
		s.TotalFailed += int64(r.Failed)
		finished := r.FinishedAt
		if s.LastRecovery == nil || finished.After(*s.LastRecovery) {
			s.LastRecovery = &finished
		}
	}
	return s, nil
}

type fakeResources struct {
	mu      stdsync.Mutex
	applied map[string]time.Time
}

func (f *fakeResources) ApplyIfNewer(_ context.Context, res *integration.SyncedResource) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = map[string]time.Time{}
	}
	key := res.TenantID + "/" + res.Topic + "/" + res.ResourceID
	if prev, ok := f.applied[key]; ok && !res.RemoteAt.After(prev) {
		return false, nil
	}
	f.applied[key] = res.RemoteAt
	return true, nil
}

func (f *fakeResources) FindByResource(context.Context, string, string, string) (*integration.SyncedResource, error) {
	return nil, integration.ErrResourceNotFound
}

func (f *fakeResources) CountByTenant(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.applied)), nil
}

func resource(topic, id string, updated time.Time) integration.Resource {
	return integration.Resource{Topic: topic, ID: id, SellerID: "123", Status: "active", LastUpdated: updated}
}
