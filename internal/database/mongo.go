// Package database holds the Mongo-backed stores: the replicated multi-map,
// the cluster member registry, job definitions and job run history.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB is a connected client bound to the metronome database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// appName identifies metronome nodes in server logs and currentOp
const appName = "metronome"

// clientOptions builds the driver options shared by every node
func clientOptions(uri string, timeout time.Duration) *options.ClientOptions {
	return options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetMaxPoolSize(50).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(time.Minute).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetHeartbeatInterval(5 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetCompressors([]string{"snappy", "zlib"})
}

// Connect dials uri, verifies the primary answers and binds database
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*MongoDB, error) {
	slog.Info("Connecting to MongoDB", "database", database, "timeout", timeout.String())

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(uri, timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	slog.Info("Connected to MongoDB", "database", database)

	return &MongoDB{
		Client:   client,
		Database: client.Database(database),
	}, nil
}

// Disconnect closes the client, waiting at most ten seconds
func (m *MongoDB) Disconnect(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.Client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	slog.Info("Disconnected from MongoDB")
	return nil
}

// GetCollection returns a collection by name
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

// Collection names
const (
	CollectionMultiMap       = "replicated_multimap"
	CollectionClusterMembers = "cluster_members"
	CollectionJobDefinitions = "job_definitions"
	CollectionJobRuns        = "job_runs"
	CollectionCounters       = "counters"
)

// ErrNotFound is returned when a looked-up document does not exist
var ErrNotFound = errors.New("not found")

// Ping checks that a server is reachable within two seconds
func (m *MongoDB) Ping(ctx context.Context) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.Client.Ping(ctxTimeout, readpref.Nearest())
}
