// Package testutil provides in-memory fakes for the store and messenger
// surfaces so core logic and handlers can be tested without MongoDB or Slack.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
)

// FakeStore is an in-memory spot.Store. Like the real store it queues
// mutations and applies them on Flush, while DeleteEntry and
// SetReferendumFlag act immediately.
type FakeStore struct {
	LocID string

	Spots       map[string]int
	Caught      map[string]int
	ImageSets   map[string][]string
	Entries     map[string]store.SpotEntry
	RecentUser  string
	ManagerUser string

	pending  []func()
	Flushed  int
	WasReset bool

	FlushErr error
	ReadErr  error
}

func NewFakeStore(locID string) *FakeStore {
	return &FakeStore{
		LocID:     locID,
		Spots:     make(map[string]int),
		Caught:    make(map[string]int),
		ImageSets: make(map[string][]string),
		Entries:   make(map[string]store.SpotEntry),
	}
}

func (f *FakeStore) ID() string { return f.LocID }

func (f *FakeStore) IncrementSpot(user string, delta int) {
	f.pending = append(f.pending, func() { f.Spots[user] += delta })
}

func (f *FakeStore) IncrementCaught(user string, delta int) {
	f.pending = append(f.pending, func() { f.Caught[user] += delta })
}

func (f *FakeStore) AppendImages(user string, urls []string) {
	us := append([]string(nil), urls...)
	f.pending = append(f.pending, func() { f.ImageSets[user] = append(f.ImageSets[user], us...) })
}

func (f *FakeStore) RemoveImages(user string, urls []string) {
	us := append([]string(nil), urls...)
	f.pending = append(f.pending, func() {
		gone := make(map[string]struct{}, len(us))
		for _, u := range us {
			gone[u] = struct{}{}
		}
		var kept []string
		for _, u := range f.ImageSets[user] {
			if _, ok := gone[u]; ok {
				continue
			}
			kept = append(kept, u)
		}
		f.ImageSets[user] = kept
	})
}

func (f *FakeStore) AddEntry(id string, entry store.SpotEntry) {
	f.pending = append(f.pending, func() { f.Entries[id] = entry })
}

func (f *FakeStore) SetRecent(user string) {
	f.pending = append(f.pending, func() { f.RecentUser = user })
}

func (f *FakeStore) ClearRecent() {
	f.pending = append(f.pending, func() { f.RecentUser = "" })
}

func (f *FakeStore) SetManager(user string) {
	f.pending = append(f.pending, func() { f.ManagerUser = user })
}

func (f *FakeStore) Flush(context.Context) error {
	ops := f.pending
	f.pending = nil
	if f.FlushErr != nil {
		return f.FlushErr
	}
	for _, op := range ops {
		op()
	}
	f.Flushed++
	return nil
}

func (f *FakeStore) DeleteEntry(_ context.Context, id string) (*store.SpotEntry, error) {
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	entry, ok := f.Entries[id]
	if !ok {
		return nil, nil
	}
	delete(f.Entries, id)
	return &entry, nil
}

func (f *FakeStore) SetReferendumFlag(_ context.Context, id string) (*bool, error) {
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	entry, ok := f.Entries[id]
	if !ok {
		return nil, nil
	}
	prev := entry.Referendum
	entry.Referendum = true
	f.Entries[id] = entry
	return &prev, nil
}

func (f *FakeStore) Recent(context.Context) (string, error) {
	return f.RecentUser, f.ReadErr
}

func (f *FakeStore) Manager(context.Context) (string, error) {
	return f.ManagerUser, f.ReadErr
}

func (f *FakeStore) Counts(context.Context) (map[string]int, map[string]int, error) {
	return f.Spots, f.Caught, f.ReadErr
}

func (f *FakeStore) Images(context.Context) (map[string][]string, error) {
	return f.ImageSets, f.ReadErr
}

func (f *FakeStore) Reset(context.Context) error {
	f.Spots = make(map[string]int)
	f.Caught = make(map[string]int)
	f.ImageSets = make(map[string][]string)
	f.Entries = make(map[string]store.SpotEntry)
	f.RecentUser = ""
	f.WasReset = true
	return nil
}

// Pending reports how many queued mutations await Flush.
func (f *FakeStore) Pending() int { return len(f.pending) }

// SentMessage is one recorded outbound message.
type SentMessage struct {
	Channel   string
	ThreadTS  string
	Text      string
	Broadcast bool
	TS        string
}

// ReactionRef is one recorded reaction add/remove.
type ReactionRef struct {
	Channel string
	TS      string
	Name    string
}

// FakeMessenger is an in-memory spot.Messenger recording everything sent.
type FakeMessenger struct {
	mu sync.Mutex

	Bot   string
	Names map[string]string

	Said             []SentMessage
	ReactionsAdded   []ReactionRef
	ReactionsRemoved []ReactionRef
	// ReactionTallies is keyed by message timestamp.
	ReactionTallies map[string][]spot.Reaction

	BotErr      error
	SayErr      error
	ReactionErr error

	nextTS int
}

func NewFakeMessenger(botID string) *FakeMessenger {
	return &FakeMessenger{
		Bot:             botID,
		Names:           make(map[string]string),
		ReactionTallies: make(map[string][]spot.Reaction),
	}
}

func (f *FakeMessenger) stamp() string {
	f.nextTS++
	return fmt.Sprintf("1700000%03d.000100", f.nextTS)
}

func (f *FakeMessenger) Say(_ context.Context, channel, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SayErr != nil {
		return "", f.SayErr
	}
	ts := f.stamp()
	f.Said = append(f.Said, SentMessage{Channel: channel, Text: text, TS: ts})
	return ts, nil
}

func (f *FakeMessenger) SayThread(_ context.Context, channel, threadTS, text string, broadcast bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SayErr != nil {
		return "", f.SayErr
	}
	ts := f.stamp()
	f.Said = append(f.Said, SentMessage{Channel: channel, ThreadTS: threadTS, Text: text, Broadcast: broadcast, TS: ts})
	return ts, nil
}

func (f *FakeMessenger) AddReaction(_ context.Context, channel, ts, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	f.ReactionsAdded = append(f.ReactionsAdded, ReactionRef{Channel: channel, TS: ts, Name: name})
	return nil
}

func (f *FakeMessenger) RemoveReaction(_ context.Context, channel, ts, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	f.ReactionsRemoved = append(f.ReactionsRemoved, ReactionRef{Channel: channel, TS: ts, Name: name})
	return nil
}

func (f *FakeMessenger) Reactions(_ context.Context, _, ts string) ([]spot.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return nil, f.ReactionErr
	}
	return f.ReactionTallies[ts], nil
}

func (f *FakeMessenger) DisplayName(_ context.Context, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.Names[user]; ok {
		return name, nil
	}
	return "", fmt.Errorf("no profile for %s", user)
}

func (f *FakeMessenger) BotUserID(context.Context) (string, error) {
	if f.BotErr != nil {
		return "", f.BotErr
	}
	return f.Bot, nil
}

// LastSaid returns the most recent outbound message, or a zero value.
func (f *FakeMessenger) LastSaid() SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Said) == 0 {
		return SentMessage{}
	}
	return f.Said[len(f.Said)-1]
}

// FakeRecords is an in-memory referendum.Records.
type FakeRecords struct {
	Added   []store.Referendum
	Expired []store.Referendum

	AddErr  error
	TakeErr error
}

func (f *FakeRecords) Add(_ context.Context, ref store.Referendum) error {
	if f.AddErr != nil {
		return f.AddErr
	}
	f.Added = append(f.Added, ref)
	return nil
}

func (f *FakeRecords) TakeExpired(context.Context) ([]store.Referendum, error) {
	if f.TakeErr != nil {
		return nil, f.TakeErr
	}
	out := f.Expired
	f.Expired = nil
	return out, nil
}

func (f *FakeRecords) PendingCount(context.Context) (int64, error) {
	return int64(len(f.Added) + len(f.Expired)), nil
}
