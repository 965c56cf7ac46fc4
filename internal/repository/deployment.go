package repository

import (
	"context"
	"fmt"
	"time"

	"appforge/internal/deploy"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// deploymentDoc is the ledger document for one project.
type deploymentDoc struct {
	ProjectID string    `bson:"projectId"`
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updatedAt"`
	LastError string    `bson:"lastError,omitempty"`
}

// DeploymentRepository is the Mongo-backed deploy.Store. The conditional
// FindOneAndUpdate is the atomic check-and-set that serializes admission:
// the filter only matches documents whose current state admits the event,
// so of two concurrent requests exactly one update matches.
type DeploymentRepository struct {
	collection *mongo.Collection
}

func NewDeploymentRepository(db *mongo.Database) *DeploymentRepository {
	return &DeploymentRepository{collection: db.Collection("deployments")}
}

// Init creates the unique projectId index. The index is what makes the
// first-ever admission race safe: two concurrent inserts for a new project
// collide on the key and the loser gets a conflict.
func (r *DeploymentRepository) Init(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys:    bson.D{bson.E{Key: "projectId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := r.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		return fmt.Errorf("failed to create projectId index: %w", err)
	}
	return nil
}

func (r *DeploymentRepository) Get(ctx context.Context, projectID string) (deploy.Record, error) {
	var doc deploymentDoc
	err := r.collection.FindOne(ctx, bson.M{"projectId": projectID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// Implicit initial state for a project with no history.
			return deploy.Record{ProjectID: projectID, State: deploy.StateIdle}, nil
		}
		return deploy.Record{}, err
	}
	return docToRecord(doc), nil
}

func (r *DeploymentRepository) Apply(ctx context.Context, projectID string, ev deploy.Event, lastError string) (deploy.Record, error) {
	edges := deploy.Edges(ev)

	// All edges of one event landing in distinct targets would need one
	// update per edge; every event in the table has a single target
	// (request → preparing, fail → failed, ...), so one conditional
	// update covers all admitting states.
	var to deploy.State
	fromStates := make([]string, 0, len(edges))
	for from, t := range edges {
		fromStates = append(fromStates, string(from))
		to = t
	}
	if len(fromStates) == 0 {
		return deploy.Record{}, fmt.Errorf("unknown event %q", ev)
	}

	now := time.Now()
	update := bson.M{"$set": bson.M{
		"state":     string(to),
		"updatedAt": now,
		"lastError": lastErrorFor(to, lastError),
	}}
	filter := bson.M{
		"projectId": projectID,
		"state":     bson.M{"$in": fromStates},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc deploymentDoc
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return docToRecord(doc), nil
	}
	if err != mongo.ErrNoDocuments {
		return deploy.Record{}, err
	}

	// No document matched: either the project has no ledger entry yet,
	// or its current state does not admit this event.
	cur, getErr := r.Get(ctx, projectID)
	if getErr != nil {
		return deploy.Record{}, getErr
	}
	if _, ok := edges[cur.State]; ok && cur.State == deploy.StateIdle && ev == deploy.EventRequest {
		// First-ever request for this project: insert the implicit idle
		// record already advanced to preparing. A concurrent winner hits
		// the unique index and surfaces as a conflict.
		doc := deploymentDoc{ProjectID: projectID, State: string(deploy.StatePreparing), UpdatedAt: now}
		if _, insErr := r.collection.InsertOne(ctx, doc); insErr != nil {
			if mongo.IsDuplicateKeyError(insErr) {
				return cur, deploy.ErrConflict
			}
			return deploy.Record{}, insErr
		}
		return docToRecord(doc), nil
	}

	// The document exists but its state refused the event; report the
	// same error the pure transition function would.
	_, transErr := deploy.Next(cur.State, ev)
	if transErr == nil {
		// The state moved between our update and re-read; treat as a
		// lost race on admission.
		transErr = deploy.ErrConflict
	}
	return cur, transErr
}

func lastErrorFor(to deploy.State, lastError string) string {
	if to == deploy.StateFailed {
		return lastError
	}
	return ""
}

func docToRecord(doc deploymentDoc) deploy.Record {
	return deploy.Record{
		ProjectID: doc.ProjectID,
		State:     deploy.State(doc.State),
		UpdatedAt: doc.UpdatedAt,
		LastError: doc.LastError,
	}
}
