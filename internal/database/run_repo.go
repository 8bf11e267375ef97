package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/metronome/internal/model"
)

// RunRetention is how long job run records are kept
const RunRetention = 7 * 24 * time.Hour

// RunRepository handles job run history
type RunRepository struct {
	collection *mongo.Collection
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *MongoDB) *RunRepository {
	return &RunRepository{
		collection: db.GetCollection(CollectionJobRuns),
	}
}

// Create inserts a job run record
func (r *RunRepository) Create(ctx context.Context, run *model.JobRun) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if run.ID.IsZero() {
		run.ID = primitive.NewObjectID()
	}

	if _, err := r.collection.InsertOne(ctxTimeout, run); err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}
	return nil
}

// ListByJob retrieves a job's runs with pagination, newest first
func (r *RunRepository) ListByJob(ctx context.Context, job string, page, limit int) ([]model.JobRun, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{"job": job}
	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count job runs: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "started_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	runs := make([]model.JobRun, 0)
	if err := cursor.All(ctxTimeout, &runs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode job runs: %w", err)
	}

	return runs, total, nil
}
