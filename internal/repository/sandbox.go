// Package repository holds the Mongo-backed persistence for sandbox
// records and the deployment state ledger.
package repository

import (
	"context"
	"fmt"
	"time"

	"appforge/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ISandboxRepository interface {
	Upsert(ctx context.Context, rec *model.SandboxRecord) error
	FindByProject(ctx context.Context, projectID string) (*model.SandboxRecord, error)
	FindBySandboxID(ctx context.Context, sandboxID string) (*model.SandboxRecord, error)
	List(ctx context.Context) ([]*model.SandboxRecord, error)
	UpdateStatus(ctx context.Context, sandboxID, status string) error
	Touch(ctx context.Context, sandboxID string) error
	Delete(ctx context.Context, sandboxID string) error
}

// SandboxRepository handles sandbox record persistence in MongoDB
type SandboxRepository struct {
	collection *mongo.Collection
}

// NewSandboxRepository creates a new sandbox repository
func NewSandboxRepository(db *mongo.Database) *SandboxRepository {
	return &SandboxRepository{collection: db.Collection("sandboxes")}
}

// Init creates the indexes the lookups depend on.
func (r *SandboxRepository) Init(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{bson.E{Key: "projectId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "sandboxId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create sandbox indexes: %w", err)
	}
	return nil
}

// Upsert writes the record keyed by project: a project has at most one
// current sandbox, and a redeploy onto a fresh sandbox replaces the old
// mapping.
func (r *SandboxRepository) Upsert(ctx context.Context, rec *model.SandboxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.LastActiveAt = time.Now()

	filter := bson.M{"projectId": rec.ProjectID}
	update := bson.M{"$set": bson.M{
		"sandboxId":    rec.SandboxID,
		"projectId":    rec.ProjectID,
		"provider":     rec.Provider,
		"templateId":   rec.TemplateID,
		"cpu":          rec.CPU,
		"mem":          rec.Mem,
		"status":       rec.Status,
		"previewUrl":   rec.PreviewURL,
		"createdAt":    rec.CreatedAt,
		"lastActiveAt": rec.LastActiveAt,
		"envVars":      rec.EnvVars,
	}}
	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *SandboxRepository) FindByProject(ctx context.Context, projectID string) (*model.SandboxRecord, error) {
	return r.findOne(ctx, bson.M{"projectId": projectID})
}

func (r *SandboxRepository) FindBySandboxID(ctx context.Context, sandboxID string) (*model.SandboxRecord, error) {
	return r.findOne(ctx, bson.M{"sandboxId": sandboxID})
}

func (r *SandboxRepository) findOne(ctx context.Context, filter bson.M) (*model.SandboxRecord, error) {
	var rec model.SandboxRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *SandboxRepository) List(ctx context.Context) ([]*model.SandboxRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*model.SandboxRecord
	if err = cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *SandboxRepository) UpdateStatus(ctx context.Context, sandboxID, status string) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"sandboxId": sandboxID}, bson.M{"$set": bson.M{
		"status":       status,
		"lastActiveAt": time.Now(),
	}})
	return err
}

// Touch refreshes lastActiveAt, called alongside keepalive.
func (r *SandboxRepository) Touch(ctx context.Context, sandboxID string) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"sandboxId": sandboxID}, bson.M{"$set": bson.M{
		"lastActiveAt": time.Now(),
	}})
	return err
}

func (r *SandboxRepository) Delete(ctx context.Context, sandboxID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"sandboxId": sandboxID})
	return err
}
