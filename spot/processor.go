package spot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/telemetry"
)

// LogSpot applies one qualifying message to the tally. The caller has already
// matched the spot trigger pattern; messages without image evidence or
// without any spotted user left after exclusions are silent no-ops.
//
// reprocessed marks the edit path: the prior entry was just compensated and
// the message is being counted afresh, so the recent-spotter slot is simply
// overwritten instead of being consulted for a streak (an edit must not
// trigger a streak of itself).
func LogSpot(ctx context.Context, st Store, msgr Messenger, m Message, reprocessed bool) error {
	if len(m.Images) == 0 {
		return nil
	}

	bot, err := msgr.BotUserID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot identity: %w", err)
	}
	var spotted []string
	for _, u := range mentions(m.Text) {
		if u == m.User || u == bot {
			continue
		}
		spotted = append(spotted, u)
	}
	if len(spotted) == 0 {
		return nil
	}

	st.IncrementSpot(m.User, len(spotted))
	for _, u := range spotted {
		st.IncrementCaught(u, 1)
		st.AppendImages(u, m.Images)
	}
	st.AddEntry(location.MessageID(m.TS), store.SpotEntry{
		Spotter: m.User,
		Spotted: spotted,
		Images:  m.Images,
		TS:      m.TS,
	})

	if reprocessed {
		st.SetRecent(m.User)
	} else {
		recent, err := st.Recent(ctx)
		if err != nil {
			return fmt.Errorf("read recent spotter: %w", err)
		}
		if recent == m.User {
			if _, err := msgr.Say(ctx, m.Channel, fmt.Sprintf("<@%s> is on fire 🥵", m.User)); err != nil {
				slog.Warn("streak announcement failed", slog.Any("err", err), slog.String("channel", m.Channel))
			}
			st.ClearRecent()
		} else {
			st.SetRecent(m.User)
		}
	}

	if err := msgr.AddReaction(ctx, m.Channel, m.TS, ApprovedEmoji); err != nil {
		slog.Warn("approval reaction failed", slog.Any("err", err), slog.String("ts", m.TS))
	}
	telemetry.CountSpotLogged()
	return nil
}

// ReprocessEdit handles a message_changed event: if the edited message still
// qualifies and the edit arrived within the grace period of the original
// post, the old contribution is fully replaced by the new one. Edits after
// the grace period leave prior state untouched.
//
// eventTS is the timestamp of the edit event itself; inner is the edited
// message carrying its original timestamp.
func ReprocessEdit(ctx context.Context, st Store, msgr Messenger, eventTS string, inner Message, grace time.Duration) error {
	if len(inner.Images) == 0 {
		return nil
	}
	if !SpotPattern.MatchString(inner.Text) {
		return nil
	}
	if age := TSDelta(eventTS, inner.TS); age < 0 || age > grace.Seconds() {
		return nil
	}

	// If spots were counted for the original text, they must be removed and
	// recounted. Compensating a message that was never counted is a no-op,
	// so a first-time-qualifying edit flows through the same path.
	if err := Compensate(ctx, st, location.MessageID(inner.TS)); err != nil {
		slog.Warn("edit supersede compensation failed", slog.Any("err", err), slog.String("ts", inner.TS))
	}
	if err := msgr.RemoveReaction(ctx, inner.Channel, inner.TS, ApprovedEmoji); err != nil {
		// Expected when the original never earned the approval marker.
		slog.Debug("approval marker removal skipped", slog.Any("err", err), slog.String("ts", inner.TS))
	}

	return LogSpot(ctx, st, msgr, inner, true)
}

// TSDelta returns outer-inner in seconds for two Slack message timestamps,
// or -1 when either timestamp is malformed. Window checks treat -1 as never
// qualifying.
func TSDelta(outer, inner string) float64 {
	a, err := strconv.ParseFloat(outer, 64)
	if err != nil {
		return -1
	}
	b, err := strconv.ParseFloat(inner, 64)
	if err != nil {
		return -1
	}
	return a - b
}
