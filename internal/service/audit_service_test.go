package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/repository"
	"github.com/noah-isme/buildmaster-api/pkg/jobs"
)

type stubAppender struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
	err     error
}

func (s *stubAppender) Append(ctx context.Context, entry *models.AuditEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.entries = append(s.entries, entry)
	return "id-1", nil
}

type inlineSubmitter struct {
	errs []error
}

func (s *inlineSubmitter) Submit(task jobs.Task) {
	s.errs = append(s.errs, task(context.Background()))
}

type heldSubmitter struct {
	tasks []jobs.Task
}

func (s *heldSubmitter) Submit(task jobs.Task) {
	s.tasks = append(s.tasks, task)
}

type panickingConverter struct{}

func (panickingConverter) Convert(any) map[string]any {
	panic("boom")
}

type project struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func newTestAuditService(store auditAppender, pool taskSubmitter) *AuditService {
	svc := NewAuditService(store, pool, nil, nil, nil, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("WIB", 7*3600)) }
	return svc
}

func TestAuditServiceRecordBuildsEntry(t *testing.T) {
	store := &stubAppender{}
	pool := &inlineSubmitter{}
	svc := newTestAuditService(store, pool)

	ctx := models.ContextWithRequestMeta(context.Background(), models.RequestMeta{IPAddress: "10.0.0.9", UserAgent: "curl/8", SessionID: "sess-1"})
	svc.Record(ctx, models.EntityProject, "p-1", "update", "ana", project{Name: "Apollo", Status: "DONE"}, project{Name: "Apollo", Status: "OPEN"})

	require.Len(t, store.entries, 1)
	require.NoError(t, pool.errs[0])
	entry := store.entries[0]
	assert.Equal(t, models.EntityProject, entry.EntityType)
	assert.Equal(t, "p-1", *entry.EntityID)
	assert.Equal(t, models.AuditActionUpdate, entry.Action)
	assert.Equal(t, "ana", entry.ActorName)
	assert.Equal(t, time.UTC, entry.Timestamp.Location())
	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), entry.Timestamp)
	assert.Equal(t, "DONE", entry.DataSnapshot["status"])
	assert.Equal(t, "OPEN", entry.PreviousData["status"])
	assert.Equal(t, "Project update operation", *entry.Description)
	assert.Equal(t, "10.0.0.9", *entry.IPAddress)
	assert.Equal(t, "curl/8", *entry.UserAgent)
	assert.Equal(t, "sess-1", *entry.SessionID)
}

func TestAuditServiceRecordDefaults(t *testing.T) {
	store := &stubAppender{}
	svc := newTestAuditService(store, &inlineSubmitter{})

	svc.Record(context.Background(), models.EntityTask, "", models.AuditActionCreate, "  ", nil, nil)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, models.DefaultActor, entry.ActorName)
	assert.Nil(t, entry.EntityID)
	assert.Nil(t, entry.DataSnapshot)
	assert.Nil(t, entry.PreviousData)
	assert.Nil(t, entry.IPAddress)
	assert.Nil(t, entry.SessionID)
}

func TestAuditServiceIgnoresEmptyAction(t *testing.T) {
	store := &stubAppender{}
	pool := &inlineSubmitter{}
	svc := newTestAuditService(store, pool)

	svc.Record(context.Background(), models.EntityTask, "t-1", " ", "ana", nil, nil)

	assert.Empty(t, store.entries)
	assert.Empty(t, pool.errs)
}

func TestAuditServiceSnapshotsBeforeDispatch(t *testing.T) {
	store := &stubAppender{}
	pool := &heldSubmitter{}
	svc := newTestAuditService(store, pool)

	current := &project{Name: "Apollo", Status: "OPEN"}
	svc.Record(context.Background(), models.EntityProject, "p-1", models.AuditActionStatusUpdate, "ana", current, nil)
	current.Status = "MUTATED"

	require.Len(t, pool.tasks, 1)
	require.NoError(t, pool.tasks[0](context.Background()))
	require.Len(t, store.entries, 1)
	assert.Equal(t, "OPEN", store.entries[0].DataSnapshot["status"])
}

func TestAuditServiceStoreFailureDoesNotReachCaller(t *testing.T) {
	store := &stubAppender{err: errors.New("db down")}
	pool := &inlineSubmitter{}
	metrics := NewMetricsService()
	svc := NewAuditService(store, pool, nil, nil, metrics, zap.NewNop())

	assert.NotPanics(t, func() {
		svc.Record(context.Background(), models.EntityTask, "t-1", models.AuditActionDelete, "ana", nil, project{Name: "x"})
	})
	require.Len(t, pool.errs, 1)
	assert.ErrorContains(t, pool.errs[0], "db down")
	assert.Equal(t, uint64(1), metrics.Snapshot().AuditFailed)
}

func TestAuditServiceRecordRecoversPanics(t *testing.T) {
	store := &stubAppender{}
	svc := NewAuditService(store, &inlineSubmitter{}, panickingConverter{}, nil, nil, zap.NewNop())

	assert.NotPanics(t, func() {
		svc.Record(context.Background(), models.EntityTask, "t-1", models.AuditActionCreate, "ana", project{}, nil)
	})
	assert.Empty(t, store.entries)
}

func TestAuditServiceRecordLogin(t *testing.T) {
	store := &stubAppender{}
	svc := newTestAuditService(store, &inlineSubmitter{})

	svc.RecordLogin(context.Background(), models.AuditActionLoginFailure, "ana@example.com", models.LoginMethodPassword, "INVALID_PASSWORD")

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, models.EntityUser, entry.EntityType)
	assert.Equal(t, models.AuditActionLoginFailure, entry.Action)
	assert.Equal(t, "ana@example.com", entry.ActorName)
	assert.Equal(t, "PASSWORD", entry.DataSnapshot["loginMethod"])
	assert.Equal(t, "INVALID_PASSWORD", entry.DataSnapshot["status"])
}

func TestAuditServiceRecordUnauthorized(t *testing.T) {
	store := &stubAppender{}
	svc := newTestAuditService(store, &inlineSubmitter{})

	svc.RecordUnauthorized(context.Background(), "", "/api/v1/audit", "missing token")

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, models.AuditActionUnauthorizedAccess, entry.Action)
	assert.Equal(t, models.DefaultActor, entry.ActorName)
	assert.Equal(t, "/api/v1/audit", entry.DataSnapshot["requestPath"])
	assert.Equal(t, "missing token", entry.DataSnapshot["reason"])
}

func TestAuditServiceWithPoolPersistsEveryEvent(t *testing.T) {
	store := repository.NewMemoryAuditRepository()
	pool := jobs.NewPool("audit", jobs.PoolConfig{CoreWorkers: 2, MaxWorkers: 4, QueueSize: 8})
	pool.Start(context.Background())
	svc := NewAuditService(store, pool, nil, nil, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				svc.Record(context.Background(), models.EntityTask, "t-1", models.AuditActionUpdate, "ana", project{Name: "n"}, nil)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	count, err := store.Count(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 200, count)
}

func TestAuditServiceTimestampHasMicrosecondPrecision(t *testing.T) {
	store := &stubAppender{}
	svc := newTestAuditService(store, &inlineSubmitter{})
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 5, 0, 0, 123456789, time.UTC) }

	svc.Record(context.Background(), models.EntityTask, "t-1", models.AuditActionCreate, "ana", nil, nil)

	require.Len(t, store.entries, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 123456000, time.UTC), store.entries[0].Timestamp)
}

type patternCountingCache struct {
	memoryCache
	patterns int
}

func (c *patternCountingCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.patterns++
	return c.memoryCache.DeleteByPattern(ctx, pattern)
}

func TestAuditServiceDropsStatisticsKeyOnAppend(t *testing.T) {
	repo := &patternCountingCache{}
	cache := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)
	require.NoError(t, cache.Set(context.Background(), auditStatsCacheKey, map[string]int64{"totalLogs": 1}, 0))
	svc := NewAuditService(&stubAppender{}, &inlineSubmitter{}, nil, cache, nil, zap.NewNop())

	svc.Record(context.Background(), models.EntityTask, "t-1", models.AuditActionCreate, "ana", nil, nil)

	var out map[string]int64
	hit, err := cache.Get(context.Background(), auditStatsCacheKey, &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, repo.patterns)
}

type slowAppender struct {
	stubAppender
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowAppender) Append(ctx context.Context, entry *models.AuditEntry) (string, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.stubAppender.Append(ctx, entry)
}

func TestAuditServiceRecordDoesNotWaitForSlowStore(t *testing.T) {
	store := &slowAppender{entered: make(chan struct{}), release: make(chan struct{})}
	pool := jobs.NewPool("audit", jobs.PoolConfig{CoreWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	pool.Start(context.Background())
	svc := NewAuditService(store, pool, nil, nil, nil, zap.NewNop())

	returned := make(chan struct{})
	go func() {
		svc.Record(context.Background(), models.EntityProject, "p-1", models.AuditActionCreate, "ana", project{Name: "Apollo"}, nil)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on the store")
	}
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("append never started")
	}
	store.mu.Lock()
	assert.Empty(t, store.entries)
	store.mu.Unlock()

	close(store.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Len(t, store.entries, 1)
	assert.Equal(t, "Apollo", store.entries[0].DataSnapshot["name"])
}
