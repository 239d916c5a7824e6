package spot

import (
	"context"

	"github.com/kelpworks/spotbot/telemetry"
)

// Compensate reverses a previously recorded spot entry: the spotter loses the
// spot credits the entry granted, every spotted user loses one caught count,
// and exactly the entry's image URLs are withdrawn from their evidence lists.
// The recent-spotter slot is cleared unconditionally since the compensation
// invalidates any streak context.
//
// The ledger entry is the sole source of truth; the original message is never
// re-parsed. Compensating an id that was never counted (a deleted message
// that didn't qualify, or a second caller racing on the same entry) returns
// nil with no state change — DeleteEntry's remove-and-return contract hands
// the entry to at most one caller.
func Compensate(ctx context.Context, st Store, messageID string) error {
	entry, err := st.DeleteEntry(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	st.IncrementSpot(entry.Spotter, -len(entry.Spotted))
	for _, u := range entry.Spotted {
		st.IncrementCaught(u, -1)
		st.RemoveImages(u, entry.Images)
	}
	st.ClearRecent()
	telemetry.CountCompensation()
	return nil
}
