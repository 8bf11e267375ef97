package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
)

const memberUpNumberCounter = "member_up_number"

// MemberRepository is the cluster member registry
type MemberRepository struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

var _ membership.Registry = (*MemberRepository)(nil)

// NewMemberRepository creates a new member repository
func NewMemberRepository(db *MongoDB) *MemberRepository {
	return &MemberRepository{
		collection: db.GetCollection(CollectionClusterMembers),
		counters:   db.GetCollection(CollectionCounters),
	}
}

// Heartbeat refreshes a registered member, or registers it with the next
// join order number
func (r *MemberRepository) Heartbeat(ctx context.Context, m model.Member) (model.Member, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	member, err := r.touch(ctxTimeout, m, now)
	if err == nil {
		return member, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Member{}, err
	}

	upNumber, err := r.nextUpNumber(ctxTimeout)
	if err != nil {
		return model.Member{}, err
	}
	m.UpNumber = upNumber
	m.JoinedAt = now
	m.LastSeen = now

	if _, err := r.collection.InsertOne(ctxTimeout, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Registered concurrently, keep the winner's join order
			return r.touch(ctxTimeout, m, now)
		}
		return model.Member{}, fmt.Errorf("failed to register member: %w", err)
	}
	return m, nil
}

func (r *MemberRepository) touch(ctx context.Context, m model.Member, now time.Time) (model.Member, error) {
	update := bson.M{
		"$set": bson.M{
			"roles":     m.Roles,
			"last_seen": now,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var member model.Member
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"address": m.Address}, update, opts).Decode(&member)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Member{}, ErrNotFound
		}
		return model.Member{}, fmt.Errorf("failed to refresh member: %w", err)
	}
	return member, nil
}

func (r *MemberRepository) nextUpNumber(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": memberUpNumberCounter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate up number: %w", err)
	}
	return counter.Seq, nil
}

// List returns every registered member, oldest first
func (r *MemberRepository) List(ctx context.Context) ([]model.Member, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "up_number", Value: 1}})
	cursor, err := r.collection.Find(ctxTimeout, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var members []model.Member
	if err := cursor.All(ctxTimeout, &members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	return members, nil
}

// Remove deletes a member. Removing an unknown member is not an error.
func (r *MemberRepository) Remove(ctx context.Context, address string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.collection.DeleteOne(ctxTimeout, bson.M{"address": address}); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}
