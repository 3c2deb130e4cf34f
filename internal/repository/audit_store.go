package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

// ErrNotFound is returned when a single audit entry lookup matches nothing.
var ErrNotFound = errors.New("audit entry not found")

// AuditStore is the append-only audit log. Entries are never updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) (string, error)
	FindByID(ctx context.Context, id string) (*models.AuditEntry, error)
	Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error)
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
	Count(ctx context.Context, filter models.AuditFilter) (int, error)
}

var (
	_ AuditStore = (*AuditRepository)(nil)
	_ AuditStore = (*MongoAuditRepository)(nil)
	_ AuditStore = (*MemoryAuditRepository)(nil)
)

const (
	defaultAuditPageSize = 20
	maxAuditPageSize     = 100
	defaultRecentLimit   = 50
)

// auditSortColumns maps accepted sort keys to column names.
var auditSortColumns = map[string]string{
	"timestamp":   "timestamp",
	"entity_type": "entity_type",
	"action":      "action",
	"actor_name":  "actor_name",
}

func auditSort(filter models.AuditFilter) (string, bool) {
	sortBy, ok := auditSortColumns[strings.ToLower(filter.SortBy)]
	if !ok {
		sortBy = "timestamp"
	}
	return sortBy, !strings.EqualFold(filter.SortOrder, "asc")
}

func auditPage(filter models.AuditFilter) (page, pageSize, offset int) {
	page, pageSize = clampPage(filter.Page, filter.PageSize)
	return page, pageSize, (page - 1) * pageSize
}

// clampPage applies the default page (1) and size (20, at most 100).
func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > maxAuditPageSize {
		pageSize = defaultAuditPageSize
	}
	return page, pageSize
}

func recentLimit(limit int) int {
	if limit <= 0 || limit > defaultRecentLimit {
		return defaultRecentLimit
	}
	return limit
}
