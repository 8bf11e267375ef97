package database

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	collections := []struct {
		name    string
		indexes []mongo.IndexModel
	}{
		{CollectionMultiMap, multiMapIndexes()},
		{CollectionClusterMembers, clusterMemberIndexes()},
		{CollectionJobDefinitions, jobDefinitionIndexes()},
		{CollectionJobRuns, jobRunIndexes()},
	}

	for _, c := range collections {
		if err := createIndexes(ctx, db, c.name, c.indexes); err != nil {
			return err
		}
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createIndexes(ctx context.Context, db *MongoDB, name string, indexes []mongo.IndexModel) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.GetCollection(name).Indexes().CreateMany(ctxTimeout, indexes); err != nil {
		return err
	}

	slog.Info("Created indexes", "collection", name)
	return nil
}

func multiMapIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			// Purges lock sets whose every record expired and nobody released
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_expires_at_ttl"),
		},
	}
}

func clusterMemberIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "address", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_address_unique"),
		},
		{
			Keys:    bson.D{{Key: "up_number", Value: 1}},
			Options: options.Index().SetName("idx_up_number"),
		},
	}
}

func jobDefinitionIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_name_unique"),
		},
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}},
			Options: options.Index().SetName("idx_enabled"),
		},
		{
			Keys:    bson.D{{Key: "metadata.created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
	}
}

func jobRunIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "job", Value: 1},
				{Key: "started_at", Value: -1},
			},
			Options: options.Index().SetName("idx_job_started_at"),
		},
		{
			Keys: bson.D{{Key: "started_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(RunRetention.Seconds())).
				SetName("idx_started_at_ttl"),
		},
	}
}
