package referendum

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/testutil"
)

const (
	spotTS  = "1700000000.000100"
	replyTS = "1700003600.000100" // one hour after the spot
)

func seededStore(t *testing.T) *testutil.FakeStore {
	t.Helper()
	st := testutil.NewFakeStore("loc1")
	st.Entries[location.MessageID(spotTS)] = store.SpotEntry{
		Spotter: "U1",
		Spotted: []string{"U2"},
		Images:  []string{"https://files.example/a.jpg"},
		TS:      spotTS,
	}
	st.Spots["U1"] = 1
	st.Caught["U2"] = 1
	st.ImageSets["U2"] = []string{"https://files.example/a.jpg"}
	return st
}

func TestOpenPostsPromptOnce(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	recs := &testutil.FakeRecords{}
	msgr := testutil.NewFakeMessenger("UBOT")

	m := spot.Message{Channel: "C1", User: "U3", TS: replyTS, ThreadTS: spotTS, Text: "referendum"}
	if err := Open(ctx, st, recs, msgr, m, "T1", 24*time.Hour); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(recs.Added) != 1 {
		t.Fatalf("recorded %d referenda, want 1", len(recs.Added))
	}
	rec := recs.Added[0]
	if rec.SpotTS != spotTS || rec.ChannelID != "C1" || rec.TeamID != "T1" || rec.LocationID != "loc1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	prompt := msgr.Said[0]
	if !strings.Contains(prompt.Text, "Good spot") || prompt.ThreadTS != spotTS || !prompt.Broadcast {
		t.Errorf("unexpected vote prompt: %+v", prompt)
	}
	if rec.VoteTS != prompt.TS {
		t.Errorf("record vote_ts = %q, prompt ts = %q", rec.VoteTS, prompt.TS)
	}
	if len(msgr.ReactionsAdded) != 2 {
		t.Errorf("seeded %d reactions, want +1 and -1", len(msgr.ReactionsAdded))
	}

	// A second qualifying reply must not open a second vote.
	if err := Open(ctx, st, recs, msgr, m, "T1", 24*time.Hour); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if len(recs.Added) != 1 || len(msgr.Said) != 1 {
		t.Errorf("second reply opened another vote: %d records, %d prompts", len(recs.Added), len(msgr.Said))
	}
}

func TestOpenIgnoresNonThreadReply(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	recs := &testutil.FakeRecords{}
	msgr := testutil.NewFakeMessenger("UBOT")

	m := spot.Message{Channel: "C1", User: "U3", TS: replyTS, Text: "referendum"}
	if err := Open(ctx, st, recs, msgr, m, "T1", 24*time.Hour); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(recs.Added) != 0 || len(msgr.Said) != 0 {
		t.Error("top-level referendum message opened a vote")
	}
}

func TestOpenIgnoresRepliesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	recs := &testutil.FakeRecords{}
	msgr := testutil.NewFakeMessenger("UBOT")

	lateTS := "1700090000.000100" // just past 24h after the spot
	m := spot.Message{Channel: "C1", User: "U3", TS: lateTS, ThreadTS: spotTS, Text: "referendum"}
	if err := Open(ctx, st, recs, msgr, m, "T1", 24*time.Hour); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(recs.Added) != 0 {
		t.Error("late reply opened a vote")
	}
}

func TestOpenIgnoresUnknownEntry(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewFakeStore("loc1")
	recs := &testutil.FakeRecords{}
	msgr := testutil.NewFakeMessenger("UBOT")

	m := spot.Message{Channel: "C1", User: "U3", TS: replyTS, ThreadTS: spotTS, Text: "referendum"}
	if err := Open(ctx, st, recs, msgr, m, "T1", 24*time.Hour); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(recs.Added) != 0 || len(msgr.Said) != 0 {
		t.Error("vote opened for a message that was never counted")
	}
}

func TestTallyVotes(t *testing.T) {
	yes, no := tallyVotes([]spot.Reaction{
		{Name: "+1", Users: []string{"A", "B"}},
		{Name: "thumbsup::skin-tone-3", Users: []string{"C"}},
		{Name: "-1", Users: []string{"D"}},
		{Name: "thumbsdown", Users: []string{"D", "E"}},
		{Name: "eyes", Users: []string{"F"}},
	})
	if len(yes) != 3 {
		t.Errorf("yes ledger = %d voters, want 3", len(yes))
	}
	if len(no) != 2 {
		t.Errorf("no ledger = %d voters, want 2", len(no))
	}
}

func sweepScheduler(st *testutil.FakeStore, recs *testutil.FakeRecords, msgr *testutil.FakeMessenger) *Scheduler {
	return &Scheduler{
		Records:      recs,
		OpenLocation: func(string) spot.Store { return st },
		Messenger: func(context.Context, string) (spot.Messenger, error) {
			return msgr, nil
		},
	}
}

func TestSweepTieApprovesSpot(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	msgr := testutil.NewFakeMessenger("UBOT")
	recs := &testutil.FakeRecords{Expired: []store.Referendum{{
		SpotTS: spotTS, VoteTS: "1700003700.000100", ChannelID: "C1", TeamID: "T1", LocationID: "loc1",
	}}}
	msgr.ReactionTallies["1700003700.000100"] = []spot.Reaction{
		{Name: "+1", Users: []string{"A", "B"}},
		{Name: "-1", Users: []string{"C", "D"}},
	}

	sweepScheduler(st, recs, msgr).Sweep(ctx)

	if st.Spots["U1"] != 1 || st.Caught["U2"] != 1 {
		t.Error("approved referendum disturbed the tally")
	}
	if _, ok := st.Entries[location.MessageID(spotTS)]; !ok {
		t.Error("approved referendum consumed the ledger entry")
	}
	if got := msgr.LastSaid().Text; !strings.Contains(got, "The spot is good") {
		t.Errorf("approval notice = %q", got)
	}
}

func TestSweepMajorityRejectionCompensates(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	msgr := testutil.NewFakeMessenger("UBOT")
	recs := &testutil.FakeRecords{Expired: []store.Referendum{{
		SpotTS: spotTS, VoteTS: "1700003700.000100", ChannelID: "C1", TeamID: "T1", LocationID: "loc1",
	}}}
	msgr.ReactionTallies["1700003700.000100"] = []spot.Reaction{
		{Name: "+1", Users: []string{"A"}},
		{Name: "-1", Users: []string{"B", "C"}},
	}

	sweepScheduler(st, recs, msgr).Sweep(ctx)

	if st.Spots["U1"] != 0 || st.Caught["U2"] != 0 {
		t.Errorf("rejection did not reverse the tally: spots=%d caught=%d", st.Spots["U1"], st.Caught["U2"])
	}
	if len(st.ImageSets["U2"]) != 0 {
		t.Error("rejection left evidence behind")
	}
	if _, ok := st.Entries[location.MessageID(spotTS)]; ok {
		t.Error("rejection left the ledger entry behind")
	}

	var removedApproval, addedDenial bool
	for _, r := range msgr.ReactionsRemoved {
		if r.TS == spotTS && r.Name == spot.ApprovedEmoji {
			removedApproval = true
		}
	}
	for _, r := range msgr.ReactionsAdded {
		if r.TS == spotTS && r.Name == spot.DeniedEmoji {
			addedDenial = true
		}
	}
	if !removedApproval || !addedDenial {
		t.Error("markers not swapped on the original message")
	}
	if got := msgr.LastSaid().Text; !strings.Contains(got, "The spot is bad") {
		t.Errorf("rejection notice = %q", got)
	}
}

func TestSweepOneFailureDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	st := seededStore(t)
	msgr := testutil.NewFakeMessenger("UBOT")
	recs := &testutil.FakeRecords{Expired: []store.Referendum{
		{SpotTS: spotTS, VoteTS: "1700003700.000100", ChannelID: "C1", TeamID: "TBAD", LocationID: "loc1"},
		{SpotTS: spotTS, VoteTS: "1700003800.000100", ChannelID: "C1", TeamID: "T1", LocationID: "loc1"},
	}}

	s := sweepScheduler(st, recs, msgr)
	s.Messenger = func(_ context.Context, teamID string) (spot.Messenger, error) {
		if teamID == "TBAD" {
			return nil, store.ErrNotInstalled
		}
		return msgr, nil
	}
	s.Sweep(ctx)

	// The second record still resolved (empty tallies tie towards approval).
	if got := msgr.LastSaid().Text; !strings.Contains(got, "The spot is good") {
		t.Errorf("surviving record not resolved: %q", got)
	}
	// Records were consumed either way.
	if n, _ := recs.PendingCount(ctx); n != 0 {
		t.Errorf("pending after sweep = %d, want 0", n)
	}
}
