package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/pkg/jobs"
	"github.com/noah-isme/buildmaster-api/pkg/snapshot"
)

const auditStatsCacheKey = "audit:stats"

type auditAppender interface {
	Append(ctx context.Context, entry *models.AuditEntry) (string, error)
}

type taskSubmitter interface {
	Submit(task jobs.Task)
}

type snapshotConverter interface {
	Convert(v any) map[string]any
}

// AuditService captures audit events without blocking the caller. Entries are built on the
// calling goroutine and persisted by the dispatcher pool.
type AuditService struct {
	store     auditAppender
	pool      taskSubmitter
	converter snapshotConverter
	cache     *CacheService
	metrics   *MetricsService
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuditService constructs an AuditService.
func NewAuditService(store auditAppender, pool taskSubmitter, converter snapshotConverter, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if converter == nil {
		converter = snapshot.NewConverter(logger)
	}
	return &AuditService{
		store:     store,
		pool:      pool,
		converter: converter,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Record captures a change to an entity. An empty action is logged and ignored; an empty
// actor is recorded as "system". Record never returns an error or panics.
func (s *AuditService) Record(ctx context.Context, entityType, entityID, action, actorName string, current, previous any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("audit capture panicked",
				zap.String("entity_type", entityType),
				zap.String("action", action),
				zap.Any("panic", r),
			)
		}
	}()

	entry, ok := s.buildEntry(ctx, entityType, entityID, action, actorName, current, previous)
	if !ok {
		return
	}
	s.pool.Submit(s.appendTask(entry))
}

// RecordLogin captures an authentication outcome for email.
func (s *AuditService) RecordLogin(ctx context.Context, action, email, method, status string) {
	s.Record(ctx, models.EntityUser, "", action, email, map[string]any{
		"loginMethod": method,
		"status":      status,
	}, nil)
}

// RecordUnauthorized captures a rejected access attempt.
func (s *AuditService) RecordUnauthorized(ctx context.Context, username, requestPath, reason string) {
	s.Record(ctx, models.EntityUser, "", models.AuditActionUnauthorizedAccess, username, map[string]any{
		"requestPath": requestPath,
		"reason":      reason,
	}, nil)
}

func (s *AuditService) buildEntry(ctx context.Context, entityType, entityID, action, actorName string, current, previous any) (*models.AuditEntry, bool) {
	action = strings.ToUpper(strings.TrimSpace(action))
	if action == "" {
		s.logger.Warn("audit event without action ignored", zap.String("entity_type", entityType))
		return nil, false
	}

	actorName = strings.TrimSpace(actorName)
	if actorName == "" {
		actorName = models.DefaultActor
	}

	entry := &models.AuditEntry{
		EntityType:   entityType,
		EntityID:     optional(entityID),
		Action:       action,
		ActorName:    actorName,
		Timestamp:    s.now().UTC().Truncate(time.Microsecond),
		DataSnapshot: models.Snapshot(s.converter.Convert(current)),
		PreviousData: models.Snapshot(s.converter.Convert(previous)),
		Description:  optional(fmt.Sprintf("%s %s operation", entityType, strings.ToLower(action))),
	}

	if meta, ok := models.RequestMetaFromContext(ctx); ok {
		entry.IPAddress = optional(meta.IPAddress)
		entry.UserAgent = optional(meta.UserAgent)
		entry.SessionID = optional(meta.SessionID)
	}
	return entry, true
}

// appendTask owns entry; nothing else holds a reference once it is submitted.
func (s *AuditService) appendTask(entry *models.AuditEntry) jobs.Task {
	return func(ctx context.Context) error {
		id, err := s.store.Append(ctx, entry)
		if err != nil {
			s.metrics.RecordAuditCapture(false)
			return fmt.Errorf("append audit entry %s/%s: %w", entry.EntityType, entry.Action, err)
		}
		s.metrics.RecordAuditCapture(true)
		s.logger.Debug("audit entry stored",
			zap.String("id", id),
			zap.String("entity_type", entry.EntityType),
			zap.String("action", entry.Action),
			zap.String("actor", entry.ActorName),
		)
		_ = s.cache.Delete(ctx, auditStatsCacheKey)
		return nil
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
