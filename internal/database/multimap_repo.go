package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/dandantas/metronome/internal/replica"
)

// ErrUpdateConflict is returned when a key kept changing under every retry
var ErrUpdateConflict = errors.New("multimap update conflict")

const maxUpdateAttempts = 8

// multiMapDocument stores one key's set. version guards read-merge-replace.
type multiMapDocument struct {
	Key       string         `bson:"_id"`
	Values    replica.Values `bson:"values"`
	Version   int64          `bson:"version"`
	UpdatedAt time.Time      `bson:"updated_at"`
	ExpiresAt *time.Time     `bson:"expires_at,omitempty"` // Latest element expiry, drives the TTL index
}

// MultiMapRepository is a replica.Store over a Mongo replica set. Read and
// write consistency map to read concern, read preference and write concern.
type MultiMapRepository struct {
	readers map[replica.ReadConsistency]*mongo.Collection
	writers map[replica.WriteConsistency]*mongo.Collection
}

var _ replica.Store = (*MultiMapRepository)(nil)

// NewMultiMapRepository creates a new multi-map repository
func NewMultiMapRepository(db *MongoDB) *MultiMapRepository {
	journaled := true
	collection := func(opts *options.CollectionOptions) *mongo.Collection {
		return db.Database.Collection(CollectionMultiMap, opts)
	}

	return &MultiMapRepository{
		readers: map[replica.ReadConsistency]*mongo.Collection{
			replica.ReadLocal: collection(options.Collection().
				SetReadConcern(readconcern.Local()).
				SetReadPreference(readpref.Nearest())),
			replica.ReadMajority: collection(options.Collection().
				SetReadConcern(readconcern.Majority()).
				SetReadPreference(readpref.PrimaryPreferred())),
			replica.ReadAll: collection(options.Collection().
				SetReadConcern(readconcern.Linearizable()).
				SetReadPreference(readpref.Primary())),
		},
		writers: map[replica.WriteConsistency]*mongo.Collection{
			replica.WriteLocal: collection(options.Collection().
				SetWriteConcern(writeconcern.W1())),
			replica.WriteMajority: collection(options.Collection().
				SetWriteConcern(writeconcern.Majority())),
			replica.WriteAll: collection(options.Collection().
				SetWriteConcern(&writeconcern.WriteConcern{W: "majority", Journal: &journaled})),
		},
	}
}

// Update applies merge to the key's current set. The replace only succeeds
// if nobody wrote the key since it was read, otherwise the merge is re-run
// on the fresh set.
func (r *MultiMapRepository) Update(ctx context.Context, key string, merge replica.MergeFunc, consistency replica.WriteConsistency) error {
	collection, ok := r.writers[consistency]
	if !ok {
		return fmt.Errorf("unsupported write consistency %s", consistency)
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		done, err := r.tryUpdate(ctx, collection, key, merge)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%w: key %s", ErrUpdateConflict, key)
}

func (r *MultiMapRepository) tryUpdate(ctx context.Context, collection *mongo.Collection, key string, merge replica.MergeFunc) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc multiMapDocument
	found := true
	if err := collection.FindOne(ctxTimeout, bson.M{"_id": key}).Decode(&doc); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, fmt.Errorf("failed to read key %s: %w", key, err)
		}
		found = false
	}

	var current replica.Values
	if found {
		current = doc.Values.Clone()
		if current == nil {
			current = replica.Values{}
		}
	}
	next, keep := merge(current, found)

	switch {
	case !keep && !found:
		return true, nil

	case !keep:
		result, err := collection.DeleteOne(ctxTimeout, bson.M{"_id": key, "version": doc.Version})
		if err != nil {
			return false, fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return result.DeletedCount == 1, nil

	case !found:
		_, err := collection.InsertOne(ctxTimeout, newMultiMapDocument(key, next, 1))
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to insert key %s: %w", key, err)
		}
		return true, nil

	default:
		result, err := collection.ReplaceOne(ctxTimeout,
			bson.M{"_id": key, "version": doc.Version},
			newMultiMapDocument(key, next, doc.Version+1),
		)
		if err != nil {
			return false, fmt.Errorf("failed to replace key %s: %w", key, err)
		}
		return result.MatchedCount == 1, nil
	}
}

// Get returns the key's set, or replica.ErrNotFound
func (r *MultiMapRepository) Get(ctx context.Context, key string, consistency replica.ReadConsistency) (replica.Values, error) {
	collection, ok := r.readers[consistency]
	if !ok {
		return nil, fmt.Errorf("unsupported read consistency %s", consistency)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc multiMapDocument
	if err := collection.FindOne(ctxTimeout, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, replica.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return doc.Values, nil
}

func newMultiMapDocument(key string, values replica.Values, version int64) multiMapDocument {
	if values == nil {
		values = replica.Values{}
	}
	doc := multiMapDocument{
		Key:       key,
		Values:    values,
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
	if expiresAt := values.MaxExpiry(); !expiresAt.IsZero() {
		doc.ExpiresAt = &expiresAt
	}
	return doc
}
