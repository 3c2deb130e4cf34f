package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/repository"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
)

type recordingReader struct {
	*repository.MemoryAuditRepository
	mu      sync.Mutex
	filters []models.AuditFilter
	counts  int
	findErr error
}

func newRecordingReader() *recordingReader {
	return &recordingReader{MemoryAuditRepository: repository.NewMemoryAuditRepository()}
}

func (r *recordingReader) Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	r.mu.Lock()
	r.filters = append(r.filters, filter)
	r.mu.Unlock()
	if r.findErr != nil {
		return nil, 0, r.findErr
	}
	return r.MemoryAuditRepository.Find(ctx, filter)
}

func (r *recordingReader) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	r.mu.Lock()
	r.counts++
	r.mu.Unlock()
	return r.MemoryAuditRepository.Count(ctx, filter)
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.values == nil {
		m.values = make(map[string][]byte)
	}
	m.values[key] = raw
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			delete(m.values, key)
		}
	}
	return nil
}

var auditBase = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func seedAudit(t *testing.T, store *recordingReader) {
	t.Helper()
	seed := []models.AuditEntry{
		{EntityType: models.EntityProject, EntityID: strPtr("p-1"), Action: models.AuditActionCreate, ActorName: "ana", Timestamp: auditBase},
		{EntityType: models.EntityProject, EntityID: strPtr("p-1"), Action: models.AuditActionUpdate, ActorName: "budi", Timestamp: auditBase.Add(time.Hour)},
		{EntityType: models.EntityTask, EntityID: strPtr("t-1"), Action: models.AuditActionStatusUpdate, ActorName: "ana", Timestamp: auditBase.Add(2 * time.Hour)},
		{EntityType: models.EntityUser, Action: models.AuditActionLoginFailure, ActorName: "eve@example.com", Timestamp: auditBase.Add(3 * time.Hour)},
		{EntityType: models.EntityDeveloper, EntityID: strPtr("d-1"), Action: models.AuditActionDelete, ActorName: "budi", Timestamp: auditBase.Add(4 * time.Hour)},
	}
	for i := range seed {
		_, err := store.Append(context.Background(), &seed[i])
		require.NoError(t, err)
	}
}

func strPtr(v string) *string { return &v }

func intPtr(v int) *int { return &v }

func TestAuditQueryServiceListDefaults(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, pagination, err := svc.List(context.Background(), models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, models.AuditActionDelete, entries[0].Action)
	assert.Equal(t, models.NewPagination(1, 20, 5), *pagination)
	require.Len(t, store.filters, 1)
	assert.Equal(t, 20, store.filters[0].PageSize)
}

func TestAuditQueryServiceOutOfRangePageSkipsStore(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	cases := []models.PageRequest{
		{Page: intPtr(0)},
		{PageSize: intPtr(0)},
		{PageSize: intPtr(101)},
		{Page: intPtr(-3), PageSize: intPtr(10)},
	}
	for _, req := range cases {
		entries, pagination, err := svc.List(context.Background(), req)
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
		assert.Equal(t, 0, pagination.TotalCount)
	}
	assert.Empty(t, store.filters)
}

func TestAuditQueryServiceByEntityTypeAndID(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, pagination, err := svc.ByEntityTypeAndID(context.Background(), models.EntityProject, "p-1", models.PageRequest{PageSize: intPtr(1)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionUpdate, entries[0].Action)
	assert.Equal(t, 2, pagination.TotalCount)
	assert.Equal(t, 2, pagination.TotalPages)
}

func TestAuditQueryServiceByActionIsCaseInsensitive(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, _, err := svc.ByAction(context.Background(), "login_failure", models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "eve@example.com", entries[0].ActorName)
}

func TestAuditQueryServiceByActorSorted(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, _, err := svc.ByActor(context.Background(), "ana", models.PageRequest{SortBy: "timestamp", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionCreate, entries[0].Action)
	assert.Equal(t, models.AuditActionStatusUpdate, entries[1].Action)
}

func TestAuditQueryServiceByDateRangeInclusive(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, _, err := svc.ByDateRange(context.Background(), auditBase.Add(time.Hour), auditBase.Add(3*time.Hour), models.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	_, _, err = svc.ByDateRange(context.Background(), auditBase.Add(time.Hour), auditBase, models.PageRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRange.Code, appErrors.FromError(err).Code)
}

func TestAuditQueryServiceSearchCombinesCriteria(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	from := auditBase.Add(30 * time.Minute)
	entries, _, err := svc.Search(context.Background(), AuditSearch{ActorName: strPtr("budi"), From: &from}, models.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, _, err = svc.Search(context.Background(), AuditSearch{ActorName: strPtr("budi"), Action: strPtr("delete")}, models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntityDeveloper, entries[0].EntityType)
}

func TestAuditQueryServiceRecentCapsLimit(t *testing.T) {
	store := newRecordingReader()
	for i := 0; i < 60; i++ {
		_, err := store.Append(context.Background(), &models.AuditEntry{EntityType: models.EntityTask, Action: models.AuditActionUpdate, ActorName: "ana", Timestamp: auditBase.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	entries, err := svc.Recent(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, entries, 50)
	assert.Equal(t, auditBase.Add(59*time.Minute), entries[0].Timestamp)

	entries, err = svc.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestAuditQueryServiceGet(t *testing.T) {
	store := newRecordingReader()
	entry := &models.AuditEntry{EntityType: models.EntityTask, Action: models.AuditActionCreate, ActorName: "ana"}
	id, err := store.Append(context.Background(), entry)
	require.NoError(t, err)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	found, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)

	_, err = svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuditQueryServiceStoreFailure(t *testing.T) {
	store := newRecordingReader()
	store.findErr = errors.New("connection reset")
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	_, _, err := svc.List(context.Background(), models.PageRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
}

func TestAuditQueryServiceStatistics(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	stats, cached, err := svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, stats, 12)
	assert.Equal(t, int64(5), stats["totalLogs"])
	assert.Equal(t, int64(2), stats["projectLogs"])
	assert.Equal(t, int64(1), stats["taskLogs"])
	assert.Equal(t, int64(1), stats["userLogs"])
	assert.Equal(t, int64(1), stats["developerLogs"])
	assert.Equal(t, int64(1), stats["createActions"])
	assert.Equal(t, int64(1), stats["statusUpdateActions"])
	assert.Equal(t, int64(1), stats["loginFailureActions"])
	assert.Equal(t, int64(0), stats["loginSuccessActions"])
	assert.Equal(t, int64(0), stats["unauthorizedAccessActions"])
}

func TestAuditQueryServiceStatisticsCachedUntilInvalidated(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	cache := NewCacheService(&memoryCache{}, nil, time.Minute, zap.NewNop(), true)
	svc := NewAuditQueryService(store, cache, AuditQueryConfig{}, zap.NewNop())

	_, cached, err := svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	counted := store.counts

	stats, cached, err := svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, counted, store.counts)
	assert.Equal(t, int64(5), stats["totalLogs"])

	capture := NewAuditService(store, &inlineSubmitter{}, nil, cache, nil, zap.NewNop())
	capture.Record(context.Background(), models.EntityTask, "t-2", models.AuditActionCreate, "ana", nil, nil)

	stats, cached, err = svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Greater(t, store.counts, counted)
	assert.Equal(t, int64(6), stats["totalLogs"])
}

// heldCounter counts immediately but holds every result until release is closed.
type heldCounter struct {
	*recordingReader
	counted sync.Once
	started chan struct{}
	release chan struct{}
}

func (h *heldCounter) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	n, err := h.recordingReader.Count(ctx, filter)
	h.counted.Do(func() { close(h.started) })
	<-h.release
	return n, err
}

func TestAuditQueryServiceStatisticsNotCachedAcrossConcurrentAppend(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	cache := NewCacheService(&memoryCache{}, nil, time.Minute, zap.NewNop(), true)
	held := &heldCounter{recordingReader: store, started: make(chan struct{}), release: make(chan struct{})}
	svc := NewAuditQueryService(held, cache, AuditQueryConfig{}, zap.NewNop())

	type result struct {
		stats  map[string]int64
		cached bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stats, cached, err := svc.Statistics(context.Background())
		done <- result{stats: stats, cached: cached, err: err}
	}()

	<-held.started
	capture := NewAuditService(store, &inlineSubmitter{}, nil, cache, nil, zap.NewNop())
	capture.Record(context.Background(), models.EntityTask, "t-2", models.AuditActionCreate, "ana", nil, nil)
	close(held.release)

	first := <-done
	require.NoError(t, first.err)
	assert.False(t, first.cached)

	stats, cached, err := svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int64(6), stats["totalLogs"])
	assert.Equal(t, int64(2), stats["createActions"])

	stats, cached, err = svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int64(6), stats["totalLogs"])
}

func TestAuditQueryServiceExportCSV(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 9, 30, 15, 0, time.UTC) }

	out, err := svc.Export(context.Background(), AuditSearch{EntityType: strPtr(models.EntityProject)}, "CSV")
	require.NoError(t, err)
	assert.Equal(t, "audit-20240502-093015.csv", out.Filename)
	assert.Equal(t, "text/csv", out.ContentType)

	records, err := csv.NewReader(bytes.NewReader(out.Content)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Timestamp", records[0][0])
	assert.Equal(t, models.AuditActionUpdate, records[1][3])
	assert.Equal(t, "p-1", records[2][2])
}

func TestAuditQueryServiceExportPDF(t *testing.T) {
	store := newRecordingReader()
	seedAudit(t, store)
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{}, zap.NewNop())

	out, err := svc.Export(context.Background(), AuditSearch{}, "pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", out.ContentType)
	assert.True(t, strings.HasSuffix(out.Filename, ".pdf"))
	assert.True(t, bytes.HasPrefix(out.Content, []byte("%PDF")))
}

func TestAuditQueryServiceExportRejectsUnknownFormat(t *testing.T) {
	svc := NewAuditQueryService(newRecordingReader(), nil, AuditQueryConfig{}, zap.NewNop())

	_, err := svc.Export(context.Background(), AuditSearch{}, "xlsx")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnsupportedFormat.Code, appErrors.FromError(err).Code)
}

func TestAuditQueryServiceExportHonoursLimit(t *testing.T) {
	store := newRecordingReader()
	for i := 0; i < 250; i++ {
		_, err := store.Append(context.Background(), &models.AuditEntry{
			EntityType: models.EntityTask,
			EntityID:   strPtr(fmt.Sprintf("t-%d", i)),
			Action:     models.AuditActionUpdate,
			ActorName:  "ana",
			Timestamp:  auditBase.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	svc := NewAuditQueryService(store, nil, AuditQueryConfig{ExportLimit: 150}, zap.NewNop())

	out, err := svc.Export(context.Background(), AuditSearch{}, "csv")
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(out.Content)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 151)
	assert.Equal(t, "t-249", records[1][2])
	require.Len(t, store.filters, 2)
	assert.Equal(t, 100, store.filters[0].PageSize)
}
