// Package store owns all MongoDB access: the per-location tally documents,
// the pending referendum records, and workspace installations.
//
// Tally state lives in one document per location. Counter and image mutations
// issued while handling a single inbound event are queued as update models
// and committed together in Flush, so a crash mid-event never leaves partial
// aggregate updates visible. The ledger primitives that must not race
// (DeleteEntry, SetReferendumFlag) bypass the queue and use findAndModify
// with before-image semantics instead.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DatabaseName = "spotbot"

	tallyCollection   = "spots"
	refCollection     = "referenda"
	installCollection = "installations"

	fieldSpot     = "spot"
	fieldCaught   = "caught"
	fieldImages   = "images"
	fieldRecent   = "recent"
	fieldManager  = "manager"
	fieldMessages = "messages"
)

// SpotEntry is the ledger record of one qualifying message: exactly what its
// processing added to the aggregates, and therefore the sole input needed to
// reverse it.
type SpotEntry struct {
	Spotter    string   `bson:"spotter"`
	Spotted    []string `bson:"spotted"`
	Images     []string `bson:"images"`
	TS         string   `bson:"ts"`
	Referendum bool     `bson:"referendum"`
}

// Connect opens a Mongo client for the given URI and verifies connectivity.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// Tally is the handle to the per-location tally collection.
type Tally struct {
	coll *mongo.Collection
}

func NewTally(client *mongo.Client) *Tally {
	return &Tally{coll: client.Database(DatabaseName).Collection(tallyCollection)}
}

// Ping reports whether the underlying connection is usable (readiness checks).
func (t *Tally) Ping(ctx context.Context) error {
	return t.coll.Database().Client().Ping(ctx, nil)
}

// ForLocation returns a Location bound to one location fingerprint. Each
// inbound event gets its own Location so queued writes never mix across
// events.
func (t *Tally) ForLocation(locID string) *Location {
	return &Location{coll: t.coll, locID: locID}
}

// Location scopes tally operations to a single location document. Mutating
// methods queue update models; Flush commits them as one bulk write.
type Location struct {
	coll  *mongo.Collection
	locID string
	ops   []mongo.WriteModel
}

// ID returns the location fingerprint this handle is bound to.
func (l *Location) ID() string { return l.locID }

func (l *Location) queue(op, path string, arg any) {
	l.ops = append(l.ops, mongo.NewUpdateOneModel().
		SetFilter(bson.M{"loc_id": l.locID}).
		SetUpdate(bson.M{op: bson.M{path: arg}}).
		SetUpsert(true))
}

// IncrementSpot adds delta to a user's spot counter (created at 0 on first
// write; delta may be negative during compensation).
func (l *Location) IncrementSpot(user string, delta int) {
	l.queue("$inc", fieldSpot+"."+user, delta)
}

// IncrementCaught adds delta to a user's caught counter.
func (l *Location) IncrementCaught(user string, delta int) {
	l.queue("$inc", fieldCaught+"."+user, delta)
}

// AppendImages appends evidence URLs to a user's image list.
func (l *Location) AppendImages(user string, urls []string) {
	l.queue("$push", fieldImages+"."+user, bson.M{"$each": urls})
}

// RemoveImages removes the given URLs from a user's image list by value, so a
// specific evidence set can be withdrawn even after later appends.
func (l *Location) RemoveImages(user string, urls []string) {
	l.queue("$pullAll", fieldImages+"."+user, urls)
}

// AddEntry records a ledger entry under a content-derived id. A collision
// means the identical message, so last-write-wins is a no-op in practice.
func (l *Location) AddEntry(id string, entry SpotEntry) {
	l.queue("$set", fieldMessages+"."+id, entry)
}

// SetRecent records the most recent spotter for streak tracking.
func (l *Location) SetRecent(user string) {
	l.queue("$set", fieldRecent, user)
}

// ClearRecent empties the streak slot.
func (l *Location) ClearRecent() {
	l.queue("$unset", fieldRecent, "")
}

// SetManager records who invited the bot; the manager authorizes resets.
func (l *Location) SetManager(user string) {
	l.queue("$set", fieldManager, user)
}

// Flush commits all queued mutations as one ordered bulk write. The queue is
// cleared regardless of outcome so a handle is never reused with stale ops.
func (l *Location) Flush(ctx context.Context) error {
	if len(l.ops) == 0 {
		return nil
	}
	ops := l.ops
	l.ops = nil
	if _, err := l.coll.BulkWrite(ctx, ops); err != nil {
		return fmt.Errorf("bulk write: %w", err)
	}
	return nil
}

// DeleteEntry atomically removes and returns the ledger entry for id, or
// (nil, nil) when no such entry was ever counted. The single findAndModify
// guarantees at most one caller observes the entry, which is what prevents
// double compensation between the event path and the referendum sweep.
func (l *Location) DeleteEntry(ctx context.Context, id string) (*SpotEntry, error) {
	var before struct {
		Messages map[string]SpotEntry `bson:"messages"`
	}
	err := l.coll.FindOneAndUpdate(ctx,
		bson.M{"loc_id": l.locID},
		bson.M{"$unset": bson.M{fieldMessages + "." + id: ""}},
		options.FindOneAndUpdate().
			SetProjection(bson.M{fieldMessages + "." + id: 1}).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete entry: %w", err)
	}
	entry, ok := before.Messages[id]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// SetReferendumFlag atomically flips an entry's referendum flag to true and
// returns the flag's previous value, or nil when the entry does not exist.
// The flip is one-way; callers must only open a vote when the previous value
// was false.
func (l *Location) SetReferendumFlag(ctx context.Context, id string) (*bool, error) {
	var before struct {
		Messages map[string]struct {
			Referendum bool `bson:"referendum"`
		} `bson:"messages"`
	}
	err := l.coll.FindOneAndUpdate(ctx,
		bson.M{"loc_id": l.locID},
		bson.M{"$set": bson.M{fieldMessages + "." + id + ".referendum": true}},
		options.FindOneAndUpdate().
			SetProjection(bson.M{fieldMessages + "." + id + ".referendum": 1}).
			SetReturnDocument(options.Before).
			SetUpsert(true),
	).Decode(&before)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("set referendum flag: %w", err)
	}
	entry, ok := before.Messages[id]
	if !ok {
		return nil, nil
	}
	prev := entry.Referendum
	return &prev, nil
}

// Recent returns the most recent spotter, or "" when the slot is empty.
func (l *Location) Recent(ctx context.Context) (string, error) {
	var doc struct {
		Recent string `bson:"recent"`
	}
	err := l.coll.FindOne(ctx,
		bson.M{"loc_id": l.locID},
		options.FindOne().SetProjection(bson.M{fieldRecent: 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get recent: %w", err)
	}
	return doc.Recent, nil
}

// Manager returns the stored channel manager, or "" when unset.
func (l *Location) Manager(ctx context.Context) (string, error) {
	var doc struct {
		Manager string `bson:"manager"`
	}
	err := l.coll.FindOne(ctx,
		bson.M{"loc_id": l.locID},
		options.FindOne().SetProjection(bson.M{fieldManager: 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get manager: %w", err)
	}
	return doc.Manager, nil
}

// Counts returns snapshots of the spot and caught counters.
func (l *Location) Counts(ctx context.Context) (spots, caught map[string]int, err error) {
	var doc struct {
		Spot   map[string]int `bson:"spot"`
		Caught map[string]int `bson:"caught"`
	}
	err = l.coll.FindOne(ctx,
		bson.M{"loc_id": l.locID},
		options.FindOne().SetProjection(bson.M{fieldSpot: 1, fieldCaught: 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get counts: %w", err)
	}
	return doc.Spot, doc.Caught, nil
}

// Images returns a snapshot of every user's evidence list, insertion order
// preserved.
func (l *Location) Images(ctx context.Context) (map[string][]string, error) {
	var doc struct {
		Images map[string][]string `bson:"images"`
	}
	err := l.coll.FindOne(ctx,
		bson.M{"loc_id": l.locID},
		options.FindOne().SetProjection(bson.M{fieldImages: 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get images: %w", err)
	}
	return doc.Images, nil
}

// Reset irreversibly erases all tally state for this location. The manager
// authorization check happens in the calling layer; the store trusts it.
func (l *Location) Reset(ctx context.Context) error {
	if _, err := l.coll.DeleteOne(ctx, bson.M{"loc_id": l.locID}); err != nil {
		return fmt.Errorf("reset location: %w", err)
	}
	return nil
}
