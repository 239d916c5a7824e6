package referendum

import (
	"context"
	"log/slog"
	"time"

	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/telemetry"
)

// Scheduler resolves referenda whose voting window has elapsed. It wakes on a
// fixed interval (and once at start), pulls every expired record, and tallies
// the vote prompt's reactions: majority decides, ties favor approval.
type Scheduler struct {
	Records Records
	// OpenLocation binds a tally store handle to a location fingerprint.
	OpenLocation func(locID string) spot.Store
	// Messenger resolves the outbound client for a workspace from its
	// stored installation.
	Messenger func(ctx context.Context, teamID string) (spot.Messenger, error)
	Interval  time.Duration
}

// Start runs the sweep loop until ctx is cancelled. One sweep runs
// immediately so pending referenda are not stuck behind the first tick after
// a restart.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	slog.Info("referendum scheduler starting", slog.Duration("interval", interval))

	s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("referendum scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep pulls every expired referendum and resolves each in turn. Pulling
// consumes the records up front, so a failure resolving one is logged and
// never reprocessed; the remaining records still get their resolution. The
// crash window between pull and completion losing resolutions is a known,
// accepted limitation (see store.Referenda.TakeExpired).
func (s *Scheduler) Sweep(ctx context.Context) {
	telemetry.CountSweepCycle()
	telemetry.TimeFunc(telemetry.SweepDuration, func() {
		expired, err := s.Records.TakeExpired(ctx)
		if err != nil {
			slog.Warn("referendum sweep: pull failed", slog.Any("err", err))
			return
		}
		for _, ref := range expired {
			if err := s.resolve(ctx, ref); err != nil {
				slog.Error("referendum resolution failed",
					slog.Any("err", err),
					slog.String("spot_ts", ref.SpotTS),
					slog.String("channel", ref.ChannelID),
					slog.String("component", "referendum_sweep"))
			}
		}
	})
	if n, err := s.Records.PendingCount(ctx); err == nil {
		telemetry.SetPendingReferenda(n)
	}
}

func (s *Scheduler) resolve(ctx context.Context, ref store.Referendum) error {
	msgr, err := s.Messenger(ctx, ref.TeamID)
	if err != nil {
		return err
	}
	reactions, err := msgr.Reactions(ctx, ref.ChannelID, ref.VoteTS)
	if err != nil {
		return err
	}
	yes, no := tallyVotes(reactions)

	if len(yes) >= len(no) {
		telemetry.CountReferendumResolved(true)
		if _, err := msgr.SayThread(ctx, ref.ChannelID, ref.SpotTS, "The spot is good! ", false); err != nil {
			return err
		}
		return nil
	}

	st := s.OpenLocation(ref.LocationID)
	if err := spot.Compensate(ctx, st, location.MessageID(ref.SpotTS)); err != nil {
		return err
	}
	if err := st.Flush(ctx); err != nil {
		return err
	}
	telemetry.CountReferendumResolved(false)

	// Swap the approval marker for the rejection marker on the original
	// message. Marker failures are cosmetic; the tally is already reversed.
	if err := msgr.RemoveReaction(ctx, ref.ChannelID, ref.SpotTS, spot.ApprovedEmoji); err != nil {
		slog.Warn("approval marker removal failed", slog.Any("err", err), slog.String("spot_ts", ref.SpotTS))
	}
	if err := msgr.AddReaction(ctx, ref.ChannelID, ref.SpotTS, spot.DeniedEmoji); err != nil {
		slog.Warn("rejection marker failed", slog.Any("err", err), slog.String("spot_ts", ref.SpotTS))
	}
	if _, err := msgr.SayThread(ctx, ref.ChannelID, ref.SpotTS, "The spot is bad. ", false); err != nil {
		slog.Warn("rejection notice failed", slog.Any("err", err), slog.String("spot_ts", ref.SpotTS))
	}
	return nil
}
