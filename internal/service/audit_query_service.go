package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/repository"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
	"github.com/noah-isme/buildmaster-api/pkg/export"
)

const (
	defaultAuditPage     = 1
	defaultAuditPageSize = 20
	maxAuditPageSize     = 100
	maxRecentEntries     = 50
	defaultExportLimit   = 1000
	exportBatchSize      = maxAuditPageSize
)

type auditReader interface {
	FindByID(ctx context.Context, id string) (*models.AuditEntry, error)
	Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error)
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
	Count(ctx context.Context, filter models.AuditFilter) (int, error)
}

// AuditSearch holds optional search criteria. Nil fields match everything.
type AuditSearch struct {
	EntityType *string
	EntityID   *string
	ActorName  *string
	Action     *string
	From       *time.Time
	To         *time.Time
}

// AuditQueryConfig tunes the read side.
type AuditQueryConfig struct {
	StatsCacheTTL time.Duration
	ExportLimit   int
}

type statisticQuery struct {
	key    string
	filter models.AuditFilter
}

// AuditQueryService answers read queries over the audit log.
type AuditQueryService struct {
	store  auditReader
	cache  *CacheService
	csv    csvRenderer
	pdf    pdfRenderer
	cfg    AuditQueryConfig
	logger *zap.Logger
	now    func() time.Time
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// NewAuditQueryService constructs an AuditQueryService.
func NewAuditQueryService(store auditReader, cache *CacheService, cfg AuditQueryConfig, logger *zap.Logger) *AuditQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 30 * time.Second
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = defaultExportLimit
	}
	return &AuditQueryService{
		store:  store,
		cache:  cache,
		csv:    export.NewCSVExporter(),
		pdf:    export.NewPDFExporter(),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// List returns every entry, newest first unless the request sorts otherwise.
func (s *AuditQueryService) List(ctx context.Context, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	return s.find(ctx, AuditSearch{}, page)
}

// ByEntityType returns entries for one entity type.
func (s *AuditQueryService) ByEntityType(ctx context.Context, entityType string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	return s.find(ctx, AuditSearch{EntityType: &entityType}, page)
}

// ByEntityTypeAndID returns the history of a single entity.
func (s *AuditQueryService) ByEntityTypeAndID(ctx context.Context, entityType, entityID string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	return s.find(ctx, AuditSearch{EntityType: &entityType, EntityID: &entityID}, page)
}

// ByActor returns entries recorded for one actor.
func (s *AuditQueryService) ByActor(ctx context.Context, actorName string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	return s.find(ctx, AuditSearch{ActorName: &actorName}, page)
}

// ByAction returns entries with the given action. The action is matched case-insensitively.
func (s *AuditQueryService) ByAction(ctx context.Context, action string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	action = strings.ToUpper(action)
	return s.find(ctx, AuditSearch{Action: &action}, page)
}

// ByDateRange returns entries with start <= timestamp <= end.
func (s *AuditQueryService) ByDateRange(ctx context.Context, start, end time.Time, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	if start.After(end) {
		return nil, nil, appErrors.ErrInvalidRange
	}
	return s.find(ctx, AuditSearch{From: &start, To: &end}, page)
}

// Search combines optional criteria.
func (s *AuditQueryService) Search(ctx context.Context, criteria AuditSearch, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	if criteria.From != nil && criteria.To != nil && criteria.From.After(*criteria.To) {
		return nil, nil, appErrors.ErrInvalidRange
	}
	if criteria.Action != nil {
		action := strings.ToUpper(*criteria.Action)
		criteria.Action = &action
	}
	return s.find(ctx, criteria, page)
}

// Recent returns up to 50 of the newest entries.
func (s *AuditQueryService) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > maxRecentEntries {
		limit = maxRecentEntries
	}
	entries, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recent audit entries")
	}
	return entries, nil
}

// Get returns a single entry.
func (s *AuditQueryService) Get(ctx context.Context, id string) (*models.AuditEntry, error) {
	entry, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "audit entry not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit entry")
	}
	return entry, nil
}

// Statistics returns fixed-key counters and whether they were served from cache. Results are
// cached when caching is enabled and invalidated whenever a new entry is stored.
func (s *AuditQueryService) Statistics(ctx context.Context) (map[string]int64, bool, error) {
	var cached map[string]int64
	if hit, _ := s.cache.Get(ctx, auditStatsCacheKey, &cached); hit && cached != nil {
		return cached, true, nil
	}
	gen := s.cache.Generation()

	queries := statisticQueries()
	counts := make([]int64, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			n, err := s.store.Count(gctx, q.filter)
			if err != nil {
				return fmt.Errorf("count %s: %w", q.key, err)
			}
			counts[i] = int64(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute audit statistics")
	}

	stats := make(map[string]int64, len(queries))
	for i, q := range queries {
		stats[q.key] = counts[i]
	}

	_, _ = s.cache.SetIfCurrent(ctx, auditStatsCacheKey, stats, s.cfg.StatsCacheTTL, gen)
	return stats, false, nil
}

func statisticQueries() []statisticQuery {
	byEntity := func(entityType string) models.AuditFilter {
		return models.AuditFilter{EntityType: &entityType}
	}
	byAction := func(action string) models.AuditFilter {
		return models.AuditFilter{Action: &action}
	}
	return []statisticQuery{
		{key: "totalLogs"},
		{key: "developerLogs", filter: byEntity(models.EntityDeveloper)},
		{key: "projectLogs", filter: byEntity(models.EntityProject)},
		{key: "taskLogs", filter: byEntity(models.EntityTask)},
		{key: "userLogs", filter: byEntity(models.EntityUser)},
		{key: "createActions", filter: byAction(models.AuditActionCreate)},
		{key: "updateActions", filter: byAction(models.AuditActionUpdate)},
		{key: "deleteActions", filter: byAction(models.AuditActionDelete)},
		{key: "statusUpdateActions", filter: byAction(models.AuditActionStatusUpdate)},
		{key: "loginSuccessActions", filter: byAction(models.AuditActionLoginSuccess)},
		{key: "loginFailureActions", filter: byAction(models.AuditActionLoginFailure)},
		{key: "unauthorizedAccessActions", filter: byAction(models.AuditActionUnauthorizedAccess)},
	}
}

// Export renders up to ExportLimit matching entries as CSV or PDF, newest first.
func (s *AuditQueryService) Export(ctx context.Context, criteria AuditSearch, format string) (*models.AuditExport, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = models.ExportFormatCSV
	}
	if format != models.ExportFormatCSV && format != models.ExportFormatPDF {
		return nil, appErrors.ErrUnsupportedFormat
	}
	if criteria.From != nil && criteria.To != nil && criteria.From.After(*criteria.To) {
		return nil, appErrors.ErrInvalidRange
	}

	entries, err := s.collect(ctx, criteria)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit entries for export")
	}

	dataset := auditDataset(entries)
	stamp := s.now().UTC()
	filename := fmt.Sprintf("audit-%s.%s", stamp.Format("20060102-150405"), format)

	var (
		content     []byte
		contentType string
	)
	switch format {
	case models.ExportFormatPDF:
		content, err = s.pdf.Render(dataset)
		contentType = "application/pdf"
	default:
		content, err = s.csv.Render(dataset)
		contentType = "text/csv"
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render audit export")
	}

	s.logger.Info("audit export generated", zap.String("format", format), zap.Int("entries", len(entries)))
	return &models.AuditExport{Filename: filename, ContentType: contentType, Content: content}, nil
}

// collect pages through the store until ExportLimit entries are gathered.
func (s *AuditQueryService) collect(ctx context.Context, criteria AuditSearch) ([]models.AuditEntry, error) {
	filter := criteria.filter()
	filter.PageSize = exportBatchSize

	var entries []models.AuditEntry
	for page := 1; len(entries) < s.cfg.ExportLimit; page++ {
		filter.Page = page
		batch, _, err := s.store.Find(ctx, filter)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
		if len(batch) < exportBatchSize {
			break
		}
	}
	if len(entries) > s.cfg.ExportLimit {
		entries = entries[:s.cfg.ExportLimit]
	}
	return entries, nil
}

func auditDataset(entries []models.AuditEntry) export.Dataset {
	rows := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]string{
			"timestamp":   e.Timestamp.UTC().Format(time.RFC3339),
			"entityType":  e.EntityType,
			"entityId":    deref(e.EntityID),
			"action":      e.Action,
			"actorName":   e.ActorName,
			"description": deref(e.Description),
			"ipAddress":   deref(e.IPAddress),
		})
	}
	return export.Dataset{
		Title: "Audit trail",
		Columns: []export.Column{
			{Key: "timestamp", Header: "Timestamp", Width: 38},
			{Key: "entityType", Header: "Entity", Width: 26},
			{Key: "entityId", Header: "Entity ID", Width: 40},
			{Key: "action", Header: "Action", Width: 34},
			{Key: "actorName", Header: "Actor", Width: 40},
			{Key: "description", Header: "Description"},
			{Key: "ipAddress", Header: "IP", Width: 28},
		},
		Rows: rows,
	}
}

func (s *AuditQueryService) find(ctx context.Context, criteria AuditSearch, req models.PageRequest) ([]models.AuditEntry, *models.Pagination, error) {
	page, pageSize, ok := resolvePage(req)
	if !ok {
		pagination := models.NewPagination(page, pageSize, 0)
		return []models.AuditEntry{}, &pagination, nil
	}

	filter := criteria.filter()
	filter.Page = page
	filter.PageSize = pageSize
	filter.SortBy = req.SortBy
	filter.SortOrder = req.SortOrder

	entries, total, err := s.store.Find(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query audit entries")
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}

	pagination := models.NewPagination(page, pageSize, total)
	return entries, &pagination, nil
}

// resolvePage applies defaults for missing values. ok is false when a supplied value is
// out of range, in which case the caller answers with an empty page.
func resolvePage(req models.PageRequest) (page, pageSize int, ok bool) {
	page, pageSize = defaultAuditPage, defaultAuditPageSize
	if req.Page != nil {
		page = *req.Page
	}
	if req.PageSize != nil {
		pageSize = *req.PageSize
	}
	ok = page >= 1 && pageSize >= 1 && pageSize <= maxAuditPageSize
	return page, pageSize, ok
}

func (c AuditSearch) filter() models.AuditFilter {
	return models.AuditFilter{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		ActorName:  c.ActorName,
		Action:     c.Action,
		From:       c.From,
		To:         c.To,
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
