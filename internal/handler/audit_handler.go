package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/buildmaster-api/internal/middleware"
	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/service"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
	"github.com/noah-isme/buildmaster-api/pkg/response"
)

type auditQueryService interface {
	List(ctx context.Context, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	ByEntityType(ctx context.Context, entityType string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	ByEntityTypeAndID(ctx context.Context, entityType, entityID string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	ByActor(ctx context.Context, actorName string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	ByAction(ctx context.Context, action string, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	ByDateRange(ctx context.Context, start, end time.Time, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	Search(ctx context.Context, criteria service.AuditSearch, page models.PageRequest) ([]models.AuditEntry, *models.Pagination, error)
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
	Get(ctx context.Context, id string) (*models.AuditEntry, error)
	Statistics(ctx context.Context) (map[string]int64, bool, error)
	Export(ctx context.Context, criteria service.AuditSearch, format string) (*models.AuditExport, error)
}

type exportQuery struct {
	Format string `form:"format" validate:"omitempty,oneof=csv pdf CSV PDF"`
}

// AuditHandler exposes the read side of the audit trail.
type AuditHandler struct {
	service   auditQueryService
	validator *validator.Validate
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(svc auditQueryService, validate *validator.Validate) *AuditHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &AuditHandler{service: svc, validator: validate}
}

// List godoc
// @Summary List audit entries
// @Description Newest first unless sort parameters say otherwise
// @Tags Audit
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Param sort_by query string false "timestamp, entity_type, action or actor_name"
// @Param sort_order query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /audit [get]
func (h *AuditHandler) List(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.List(c.Request.Context(), page)
	h.respondPage(c, entries, pagination, err)
}

// Get godoc
// @Summary Get audit entry
// @Tags Audit
// @Produce json
// @Param id path string true "Entry ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /audit/{id} [get]
func (h *AuditHandler) Get(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// ByEntityType godoc
// @Summary Audit entries for an entity type
// @Tags Audit
// @Produce json
// @Param entityType path string true "Entity type, e.g. Project"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Router /audit/entity/{entityType} [get]
func (h *AuditHandler) ByEntityType(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ByEntityType(c.Request.Context(), c.Param("entityType"), page)
	h.respondPage(c, entries, pagination, err)
}

// ByEntity godoc
// @Summary History of a single entity
// @Tags Audit
// @Produce json
// @Param entityType path string true "Entity type"
// @Param entityId path string true "Entity ID"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Router /audit/entity/{entityType}/{entityId} [get]
func (h *AuditHandler) ByEntity(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ByEntityTypeAndID(c.Request.Context(), c.Param("entityType"), c.Param("entityId"), page)
	h.respondPage(c, entries, pagination, err)
}

// ByActor godoc
// @Summary Audit entries recorded for an actor
// @Tags Audit
// @Produce json
// @Param actorName path string true "Actor name"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Router /audit/actor/{actorName} [get]
func (h *AuditHandler) ByActor(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ByActor(c.Request.Context(), c.Param("actorName"), page)
	h.respondPage(c, entries, pagination, err)
}

// ByAction godoc
// @Summary Audit entries with an action
// @Tags Audit
// @Produce json
// @Param action path string true "Action, case-insensitive"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Router /audit/action/{action} [get]
func (h *AuditHandler) ByAction(c *gin.Context) {
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ByAction(c.Request.Context(), c.Param("action"), page)
	h.respondPage(c, entries, pagination, err)
}

// ByDateRange godoc
// @Summary Audit entries inside a time window
// @Tags Audit
// @Produce json
// @Param startTime query string true "RFC3339 start, inclusive"
// @Param endTime query string true "RFC3339 end, inclusive"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /audit/date-range [get]
func (h *AuditHandler) ByDateRange(c *gin.Context) {
	start, ok := requiredTime(c, "startTime")
	if !ok {
		return
	}
	end, ok := requiredTime(c, "endTime")
	if !ok {
		return
	}
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ByDateRange(c.Request.Context(), start, end, page)
	h.respondPage(c, entries, pagination, err)
}

// Search godoc
// @Summary Search audit entries
// @Description Every criterion is optional; omitted criteria match everything
// @Tags Audit
// @Produce json
// @Param entityType query string false "Entity type"
// @Param entityId query string false "Entity ID"
// @Param actorName query string false "Actor name"
// @Param action query string false "Action"
// @Param startTime query string false "RFC3339 start, inclusive"
// @Param endTime query string false "RFC3339 end, inclusive"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size (1-100)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /audit/search [get]
func (h *AuditHandler) Search(c *gin.Context) {
	criteria, ok := searchCriteria(c)
	if !ok {
		return
	}
	page, ok := h.bindPage(c)
	if !ok {
		return
	}
	entries, pagination, err := h.service.Search(c.Request.Context(), criteria, page)
	h.respondPage(c, entries, pagination, err)
}

// Recent godoc
// @Summary Most recent audit entries
// @Tags Audit
// @Produce json
// @Param limit query int false "At most 50"
// @Success 200 {object} response.Envelope
// @Router /audit/recent [get]
func (h *AuditHandler) Recent(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a number"))
			return
		}
		limit = parsed
	}
	entries, err := h.service.Recent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil, middleware.ExtractMeta(c))
}

// Statistics godoc
// @Summary Audit counters
// @Tags Audit
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /audit/statistics [get]
func (h *AuditHandler) Statistics(c *gin.Context) {
	stats, cacheHit, err := h.service.Statistics(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export audit entries
// @Description Renders up to the configured limit of matching entries, newest first
// @Tags Audit
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv (default) or pdf"
// @Param entityType query string false "Entity type"
// @Param entityId query string false "Entity ID"
// @Param actorName query string false "Actor name"
// @Param action query string false "Action"
// @Param startTime query string false "RFC3339 start, inclusive"
// @Param endTime query string false "RFC3339 end, inclusive"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /audit/export [get]
func (h *AuditHandler) Export(c *gin.Context) {
	var query exportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export parameters"))
		return
	}
	if err := h.validator.Struct(query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnsupportedFormat, "format must be csv or pdf"))
		return
	}
	criteria, ok := searchCriteria(c)
	if !ok {
		return
	}

	file, err := h.service.Export(c.Request.Context(), criteria, query.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Content)
}

// bindPage reads paging and sorting. Only an unknown sort is rejected; paging the
// service cannot serve comes back as an empty page.
func (h *AuditHandler) bindPage(c *gin.Context) (models.PageRequest, bool) {
	page := models.PageRequest{
		Page:      pageParam(c, "page"),
		PageSize:  pageParam(c, "page_size"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	if err := h.validator.Struct(page); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid sort parameters"))
		return page, false
	}
	return page, true
}

// pageParam returns nil when key is absent. A value that is not a number is
// reported as 0, which is out of range.
func pageParam(c *gin.Context, key string) *int {
	raw, ok := c.GetQuery(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		n = 0
	}
	return &n
}

func (h *AuditHandler) respondPage(c *gin.Context, entries []models.AuditEntry, pagination *models.Pagination, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination, middleware.ExtractMeta(c))
}

func searchCriteria(c *gin.Context) (service.AuditSearch, bool) {
	criteria := service.AuditSearch{
		EntityType: optionalQuery(c, "entityType"),
		EntityID:   optionalQuery(c, "entityId"),
		ActorName:  optionalQuery(c, "actorName"),
		Action:     optionalQuery(c, "action"),
	}
	for _, bound := range []struct {
		key  string
		dest **time.Time
	}{{"startTime", &criteria.From}, {"endTime", &criteria.To}} {
		raw := strings.TrimSpace(c.Query(bound.key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, bound.key+" must be RFC3339"))
			return criteria, false
		}
		*bound.dest = &ts
	}
	return criteria, true
}

func requiredTime(c *gin.Context, key string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, key+" is required"))
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, key+" must be RFC3339"))
		return time.Time{}, false
	}
	return ts, true
}

func optionalQuery(c *gin.Context, key string) *string {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil
	}
	return &value
}
