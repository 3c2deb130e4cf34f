package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

const auditColumns = `id, entity_type, entity_id, action, actor_name, timestamp, data_snapshot, previous_data, description, ip_address, user_agent, session_id`

var auditSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		entity_type VARCHAR(100) NOT NULL,
		entity_id VARCHAR(255),
		action VARCHAR(100) NOT NULL,
		actor_name VARCHAR(255) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		data_snapshot JSONB,
		previous_data JSONB,
		description TEXT,
		ip_address VARCHAR(64),
		user_agent TEXT,
		session_id VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_entity_type ON audit_logs (entity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs (entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_name ON audit_logs (actor_name)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs (timestamp DESC)`,
}

// AuditRepository stores audit entries in PostgreSQL.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new instance of AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// EnsureSchema creates the audit table and its indexes when missing.
func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range auditSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

// Append inserts one entry and returns its identifier.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	const query = `INSERT INTO audit_logs (` + auditColumns + `) VALUES (:id, :entity_type, :entity_id, :action, :actor_name, :timestamp, :data_snapshot, :previous_data, :description, :ip_address, :user_agent, :session_id)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	return entry.ID, nil
}

// FindByID returns a single entry.
func (r *AuditRepository) FindByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	const query = `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`
	var entry models.AuditEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find audit entry: %w", err)
	}
	return &entry, nil
}

// Find returns one page of matching entries and the total match count.
func (r *AuditRepository) Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	where, args := buildAuditWhere(filter)

	sortBy, desc := auditSort(filter)
	order := "ASC"
	if desc {
		order = "DESC"
	}
	_, pageSize, offset := auditPage(filter)

	listQuery := fmt.Sprintf("SELECT %s FROM audit_logs %s ORDER BY %s %s, id %s LIMIT %d OFFSET %d", auditColumns, where, sortBy, order, order, pageSize, offset)

	entries := []models.AuditEntry{}
	if err := r.db.SelectContext(ctx, &entries, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}

	total, err := r.count(ctx, where, args)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Recent returns the newest entries first.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT $1`
	entries := []models.AuditEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, recentLimit(limit)); err != nil {
		return nil, fmt.Errorf("recent audit entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching filter.
func (r *AuditRepository) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	where, args := buildAuditWhere(filter)
	return r.count(ctx, where, args)
}

func (r *AuditRepository) count(ctx context.Context, where string, args []interface{}) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM audit_logs "+where, args...); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return total, nil
}

func buildAuditWhere(filter models.AuditFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(column, op string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	if filter.EntityType != nil {
		add("entity_type", "=", *filter.EntityType)
	}
	if filter.EntityID != nil {
		add("entity_id", "=", *filter.EntityID)
	}
	if filter.ActorName != nil {
		add("actor_name", "=", *filter.ActorName)
	}
	if filter.Action != nil {
		add("action", "=", *filter.Action)
	}
	if filter.From != nil {
		add("timestamp", ">=", filter.From.UTC())
	}
	if filter.To != nil {
		add("timestamp", "<=", filter.To.UTC())
	}

	where := "WHERE 1=1"
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}
	return where, args
}
