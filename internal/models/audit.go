package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Audit actions.
const (
	AuditActionCreate             = "CREATE"
	AuditActionUpdate             = "UPDATE"
	AuditActionDelete             = "DELETE"
	AuditActionStatusUpdate       = "STATUS_UPDATE"
	AuditActionLoginSuccess       = "LOGIN_SUCCESS"
	AuditActionLoginFailure       = "LOGIN_FAILURE"
	AuditActionRegisterSuccess    = "REGISTER_SUCCESS"
	AuditActionUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	AuditActionLogout             = "LOGOUT"
	AuditActionAssignDeveloper    = "ASSIGN_DEVELOPER"
	AuditActionExport             = "EXPORT"
)

// Audited entity types.
const (
	EntityProject        = "Project"
	EntityTask           = "Task"
	EntityDeveloper      = "Developer"
	EntityUser           = "User"
	EntityAuthentication = "Authentication"
	EntityAuthorization  = "Authorization"
	EntityAuditLog       = "AuditLog"
)

// DefaultActor is recorded when no actor is known.
const DefaultActor = "system"

// Snapshot is a flat description of an entity at a point in time.
type Snapshot map[string]any

// Value implements driver.Valuer.
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *Snapshot) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("snapshot: unsupported source type")
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// AuditEntry is one immutable record of the audit trail.
type AuditEntry struct {
	ID           string    `db:"id" json:"id" bson:"-"`
	EntityType   string    `db:"entity_type" json:"entityType" bson:"entityType"`
	EntityID     *string   `db:"entity_id" json:"entityId,omitempty" bson:"entityId,omitempty"`
	Action       string    `db:"action" json:"action" bson:"action"`
	ActorName    string    `db:"actor_name" json:"actorName" bson:"actorName"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp" bson:"timestamp"`
	DataSnapshot Snapshot  `db:"data_snapshot" json:"dataSnapshot,omitempty" bson:"dataSnapshot,omitempty"`
	PreviousData Snapshot  `db:"previous_data" json:"previousData,omitempty" bson:"previousData,omitempty"`
	Description  *string   `db:"description" json:"description,omitempty" bson:"description,omitempty"`
	IPAddress    *string   `db:"ip_address" json:"ipAddress,omitempty" bson:"ipAddress,omitempty"`
	UserAgent    *string   `db:"user_agent" json:"userAgent,omitempty" bson:"userAgent,omitempty"`
	SessionID    *string   `db:"session_id" json:"sessionId,omitempty" bson:"sessionId,omitempty"`
}

// AuditFilter selects audit entries. Nil criteria match everything.
type AuditFilter struct {
	EntityType *string
	EntityID   *string
	ActorName  *string
	Action     *string
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

// PageRequest carries paging and ordering parameters from the HTTP layer.
// Nil Page or PageSize select the defaults.
type PageRequest struct {
	Page      *int   `form:"page"`
	PageSize  *int   `form:"page_size"`
	SortBy    string `form:"sort_by" validate:"omitempty,oneof=timestamp entity_type action actor_name"`
	SortOrder string `form:"sort_order" validate:"omitempty,oneof=asc desc ASC DESC"`
}

// RequestMeta is the client information attached to captured entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	SessionID string
	RequestID string
}

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

// AuditExport is a rendered export file.
type AuditExport struct {
	Filename    string
	ContentType string
	Content     []byte
}

type requestMetaKey struct{}

// ContextWithRequestMeta attaches client metadata to ctx.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns the metadata stored by ContextWithRequestMeta.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	if ctx == nil {
		return RequestMeta{}, false
	}
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}
