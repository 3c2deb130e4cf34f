package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

// mongoSortFields maps accepted sort keys to document fields.
var mongoSortFields = map[string]string{
	"timestamp":   "timestamp",
	"entity_type": "entityType",
	"action":      "action",
	"actor_name":  "actorName",
}

type auditDocument struct {
	ID                primitive.ObjectID `bson:"_id,omitempty"`
	models.AuditEntry `bson:",inline"`
}

func (d auditDocument) entry() models.AuditEntry {
	e := d.AuditEntry
	e.ID = d.ID.Hex()
	return e
}

// MongoAuditRepository stores audit entries in a MongoDB collection.
type MongoAuditRepository struct {
	coll *mongo.Collection
}

// NewMongoAuditRepository creates a repository over coll.
func NewMongoAuditRepository(coll *mongo.Collection) *MongoAuditRepository {
	return &MongoAuditRepository{coll: coll}
}

// EnsureIndexes creates the lookup indexes used by the query surface.
func (r *MongoAuditRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "entityType", Value: 1}}},
		{Keys: bson.D{{Key: "entityType", Value: 1}, {Key: "entityId", Value: 1}}},
		{Keys: bson.D{{Key: "actorName", Value: 1}}},
		{Keys: bson.D{{Key: "action", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("ensure audit indexes: %w", err)
	}
	return nil
}

// Append inserts one entry and returns its ObjectID in hex form.
func (r *MongoAuditRepository) Append(ctx context.Context, entry *models.AuditEntry) (string, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	doc := auditDocument{ID: primitive.NewObjectID(), AuditEntry: *entry}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	entry.ID = doc.ID.Hex()
	return entry.ID, nil
}

// FindByID returns a single entry.
func (r *MongoAuditRepository) FindByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var doc auditDocument
	if err := r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find audit entry: %w", err)
	}
	entry := doc.entry()
	return &entry, nil
}

// Find returns one page of matching entries and the total match count.
func (r *MongoAuditRepository) Find(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, int, error) {
	query := buildMongoFilter(filter)
	_, pageSize, offset := auditPage(filter)

	opts := options.Find().
		SetSort(mongoSort(filter)).
		SetSkip(int64(offset)).
		SetLimit(int64(pageSize))

	entries, err := r.find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}

	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	return entries, int(total), nil
}

// Recent returns the newest entries first.
func (r *MongoAuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(recentLimit(limit)))

	entries, err := r.find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("recent audit entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching filter.
func (r *MongoAuditRepository) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	total, err := r.coll.CountDocuments(ctx, buildMongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return int(total), nil
}

func (r *MongoAuditRepository) find(ctx context.Context, query bson.M, opts *options.FindOptions) ([]models.AuditEntry, error) {
	cursor, err := r.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	entries := []models.AuditEntry{}
	for cursor.Next(ctx) {
		var doc auditDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, doc.entry())
	}
	return entries, cursor.Err()
}

// buildMongoFilter includes only the criteria that are set.
func buildMongoFilter(filter models.AuditFilter) bson.M {
	query := bson.M{}
	if filter.EntityType != nil {
		query["entityType"] = *filter.EntityType
	}
	if filter.EntityID != nil {
		query["entityId"] = *filter.EntityID
	}
	if filter.ActorName != nil {
		query["actorName"] = *filter.ActorName
	}
	if filter.Action != nil {
		query["action"] = *filter.Action
	}
	if filter.From != nil || filter.To != nil {
		window := bson.M{}
		if filter.From != nil {
			window["$gte"] = filter.From.UTC()
		}
		if filter.To != nil {
			window["$lte"] = filter.To.UTC()
		}
		query["timestamp"] = window
	}
	return query
}

func mongoSort(filter models.AuditFilter) bson.D {
	column, desc := auditSort(filter)
	field := mongoSortFields[column]
	dir := 1
	if desc {
		dir = -1
	}
	return bson.D{{Key: field, Value: dir}, {Key: "_id", Value: dir}}
}
