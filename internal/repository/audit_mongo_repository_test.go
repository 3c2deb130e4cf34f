package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

func TestBuildMongoFilterWildcards(t *testing.T) {
	assert.Equal(t, bson.M{}, buildMongoFilter(models.AuditFilter{}))
}

func TestBuildMongoFilterCriteria(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	got := buildMongoFilter(models.AuditFilter{
		EntityType: strPtr("Task"),
		EntityID:   strPtr("t-9"),
		ActorName:  strPtr("ana"),
		From:       &from,
		To:         &to,
	})

	assert.Equal(t, bson.M{
		"entityType": "Task",
		"entityId":   "t-9",
		"actorName":  "ana",
		"timestamp":  bson.M{"$gte": from, "$lte": to},
	}, got)
}

func TestMongoSort(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}, mongoSort(models.AuditFilter{}))
	assert.Equal(t, bson.D{{Key: "actorName", Value: 1}, {Key: "_id", Value: 1}}, mongoSort(models.AuditFilter{SortBy: "actor_name", SortOrder: "ASC"}))
}

func TestAuditDocumentEntryUsesHexID(t *testing.T) {
	doc := auditDocument{AuditEntry: models.AuditEntry{Action: "CREATE"}}
	assert.Equal(t, doc.ID.Hex(), doc.entry().ID)
	assert.Equal(t, "CREATE", doc.entry().Action)
}
