package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Referendum records one opened vote. It carries enough to find the vote
// prompt (channel + vote_ts), the original entry (loc_id + spot_ts), and the
// workspace credential (team_id) when the sweep resolves it.
type Referendum struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	SpotTS     string             `bson:"spot_ts"`
	VoteTS     string             `bson:"vote_ts"`
	ChannelID  string             `bson:"channel_id"`
	TeamID     string             `bson:"team_id"`
	LocationID string             `bson:"loc_id"`
	Date       time.Time          `bson:"date"`
}

// Referenda is the pending-referendum collection handle.
type Referenda struct {
	coll   *mongo.Collection
	expiry time.Duration
}

// NewReferenda returns a handle whose TakeExpired cutoff is now-expiry.
func NewReferenda(client *mongo.Client, expiry time.Duration) *Referenda {
	return &Referenda{
		coll:   client.Database(DatabaseName).Collection(refCollection),
		expiry: expiry,
	}
}

// Add persists a newly opened referendum.
func (r *Referenda) Add(ctx context.Context, ref Referendum) error {
	if ref.Date.IsZero() {
		ref.Date = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, ref); err != nil {
		return fmt.Errorf("store referendum: %w", err)
	}
	return nil
}

// TakeExpired returns every referendum whose voting window has elapsed and
// removes the records before returning. Each record is therefore consumed
// exactly once: a failure while processing one cannot cause it to be
// reprocessed on the next sweep. The flip side is that a crash between this
// pull and the end of processing permanently loses those resolutions — a
// known, accepted limitation of the pull-before-process ordering.
func (r *Referenda) TakeExpired(ctx context.Context) ([]Referendum, error) {
	cutoff := time.Now().UTC().Add(-r.expiry)
	cur, err := r.coll.Find(ctx, bson.M{"date": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("find expired referenda: %w", err)
	}
	var expired []Referendum
	if err := cur.All(ctx, &expired); err != nil {
		return nil, fmt.Errorf("decode expired referenda: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	ids := make([]primitive.ObjectID, 0, len(expired))
	for _, ref := range expired {
		ids = append(ids, ref.ID)
	}
	if _, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("consume expired referenda: %w", err)
	}
	return expired, nil
}

// PendingCount reports how many referenda are still awaiting their window.
func (r *Referenda) PendingCount(ctx context.Context) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.M{})
}
