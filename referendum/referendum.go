// Package referendum implements the crowd-vote lifecycle that can
// retroactively overturn a counted spot: NONE → OPEN on a qualifying thread
// reply, OPEN → RESOLVED by the background scheduler once the voting window
// elapses.
package referendum

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/telemetry"
)

const votePrompt = "Good spot :+1: or bad spot :-1:? "

// Records is the pending-referendum persistence surface.
type Records interface {
	Add(ctx context.Context, ref store.Referendum) error
	TakeExpired(ctx context.Context) ([]store.Referendum, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Open transitions a spot entry to OPEN when a "referendum" reply qualifies:
// it must be a thread reply, it must arrive within the open window of the
// parent spot message, and the entry's referendum flag must have been false
// immediately prior. The one-way flag flip is what guarantees at most one
// referendum (one record, one vote prompt) per entry no matter how many
// replies race.
func Open(ctx context.Context, st spot.Store, recs Records, msgr spot.Messenger, m spot.Message, teamID string, window time.Duration) error {
	if m.ThreadTS == "" {
		return nil
	}
	if age := spot.TSDelta(m.TS, m.ThreadTS); age < 0 || age > window.Seconds() {
		return nil
	}

	mid := location.MessageID(m.ThreadTS)
	prev, err := st.SetReferendumFlag(ctx, mid)
	if err != nil {
		return err
	}
	if prev == nil || *prev {
		// No such entry, or a vote was already opened.
		return nil
	}

	voteTS, err := msgr.SayThread(ctx, m.Channel, m.ThreadTS, votePrompt, true)
	if err != nil {
		return fmt.Errorf("post vote prompt: %w", err)
	}
	if err := recs.Add(ctx, store.Referendum{
		SpotTS:     m.ThreadTS,
		VoteTS:     voteTS,
		ChannelID:  m.Channel,
		TeamID:     teamID,
		LocationID: st.ID(),
	}); err != nil {
		return err
	}

	// Seed both affordances so voters only have to tap.
	if err := msgr.AddReaction(ctx, m.Channel, voteTS, "+1"); err != nil {
		slog.Warn("seeding approve reaction failed", slog.Any("err", err))
	}
	if err := msgr.AddReaction(ctx, m.Channel, voteTS, "-1"); err != nil {
		slog.Warn("seeding reject reaction failed", slog.Any("err", err))
	}
	telemetry.CountReferendumOpened()
	return nil
}

// tallyVotes partitions reacting users into approve and reject ledgers.
// Either naming convention per side counts, and skin-tone suffixes
// (name::skin-tone-N) are stripped before matching. Users reacting on both
// sides end up in both ledgers, exactly as Slack reports them.
func tallyVotes(reactions []spot.Reaction) (yes, no map[string]struct{}) {
	yes = make(map[string]struct{})
	no = make(map[string]struct{})
	for _, r := range reactions {
		name := strings.SplitN(r.Name, "::", 2)[0]
		var ledger map[string]struct{}
		switch name {
		case "+1", "thumbsup":
			ledger = yes
		case "-1", "thumbsdown":
			ledger = no
		default:
			continue
		}
		for _, u := range r.Users {
			ledger[u] = struct{}{}
		}
	}
	return yes, no
}
