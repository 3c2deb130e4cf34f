package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

// MemoryAuditRepository keeps audit entries in process memory. Used for development and tests.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

// NewMemoryAuditRepository creates an empty in-memory store.
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

// Append stores a copy of entry.
func (r *MemoryAuditRepository) Append(ctx context.Context, entry *models.AuditEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.entries = append(r.entries, *entry)
	r.mu.Unlock()
	return entry.ID, nil
}

// FindByID returns a single entry.
func (r *MemoryAuditRepository) FindByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.entries {
		if r.entries[i].ID == id {
			entry := r.entries[i]
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

// Find returns one page of matching entries and the total match count.
func (r *MemoryAuditRepository) Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	matched := r.match(filter)

	sortBy, desc := auditSort(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareAudit(matched[i], matched[j], sortBy)
		if desc {
			return c > 0
		}
		return c < 0
	})

	_, pageSize, offset := auditPage(filter)
	total := len(matched)
	if offset >= total {
		return []models.AuditEntry{}, total, nil
	}
	end := offset + pageSize
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Recent returns the newest entries first.
func (r *MemoryAuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	entries, _, err := r.Find(ctx, models.AuditFilter{PageSize: recentLimit(limit), SortBy: "timestamp", SortOrder: "desc"})
	return entries, err
}

// Count returns the number of entries matching filter.
func (r *MemoryAuditRepository) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	return len(r.match(filter)), nil
}

func (r *MemoryAuditRepository) match(filter models.AuditFilter) []models.AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]models.AuditEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if matchesAudit(e, filter) {
			matched = append(matched, e)
		}
	}
	return matched
}

func matchesAudit(e models.AuditEntry, f models.AuditFilter) bool {
	if f.EntityType != nil && e.EntityType != *f.EntityType {
		return false
	}
	if f.EntityID != nil && (e.EntityID == nil || *e.EntityID != *f.EntityID) {
		return false
	}
	if f.ActorName != nil && e.ActorName != *f.ActorName {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

func compareAudit(a, b models.AuditEntry, sortBy string) int {
	switch sortBy {
	case "entity_type":
		return strings.Compare(a.EntityType, b.EntityType)
	case "action":
		return strings.Compare(a.Action, b.Action)
	case "actor_name":
		return strings.Compare(a.ActorName, b.ActorName)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}
