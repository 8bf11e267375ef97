package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/metronome/internal/model"
)

// ErrDuplicate is returned when a unique name is already taken
var ErrDuplicate = errors.New("already exists")

// JobDefinitionRepository handles persisted webhook job definitions
type JobDefinitionRepository struct {
	collection *mongo.Collection
}

// NewJobDefinitionRepository creates a new job definition repository
func NewJobDefinitionRepository(db *MongoDB) *JobDefinitionRepository {
	return &JobDefinitionRepository{
		collection: db.GetCollection(CollectionJobDefinitions),
	}
}

// Create inserts a new job definition
func (r *JobDefinitionRepository) Create(ctx context.Context, def *model.JobDefinition) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if def.ID.IsZero() {
		def.ID = primitive.NewObjectID()
	}

	_, err := r.collection.InsertOne(ctxTimeout, def)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("job definition '%s': %w", def.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create job definition: %w", err)
	}

	return nil
}

// GetByName retrieves a job definition by name
func (r *JobDefinitionRepository) GetByName(ctx context.Context, name string) (*model.JobDefinition, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var def model.JobDefinition
	err := r.collection.FindOne(ctxTimeout, bson.M{"name": name}).Decode(&def)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("job definition '%s': %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job definition: %w", err)
	}

	return &def, nil
}

// List retrieves job definitions with pagination, newest first
func (r *JobDefinitionRepository) List(ctx context.Context, page, limit int) ([]model.JobDefinition, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	total, err := r.collection.CountDocuments(ctxTimeout, bson.M{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count job definitions: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "metadata.created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, bson.M{}, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list job definitions: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	defs := make([]model.JobDefinition, 0)
	if err := cursor.All(ctxTimeout, &defs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode job definitions: %w", err)
	}

	return defs, total, nil
}

// ListEnabled returns every enabled job definition
func (r *JobDefinitionRepository) ListEnabled(ctx context.Context) ([]model.JobDefinition, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := r.collection.Find(ctxTimeout, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled job definitions: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var defs []model.JobDefinition
	if err := cursor.All(ctxTimeout, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode job definitions: %w", err)
	}
	return defs, nil
}

// Delete deletes a job definition by name
func (r *JobDefinitionRepository) Delete(ctx context.Context, name string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("failed to delete job definition: %w", err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("job definition '%s': %w", name, ErrNotFound)
	}

	return nil
}
