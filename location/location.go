// Package location derives the stable identifiers that partition all bot
// state: a per-(channel, workspace) location fingerprint and a per-message
// fingerprint. Both are pure functions of their inputs so every component
// that sees the same event addresses the same state.
package location

import (
	"crypto/sha256"
	"encoding/hex"
)

// ID returns the fingerprint for a channel within a workspace. All tally
// state is scoped to this key.
func ID(channelID, teamID string) string {
	sum := sha256.Sum256([]byte(channelID + teamID))
	return hex.EncodeToString(sum[:])
}

// MessageID returns the ledger key for a message, derived from its Slack
// timestamp. Timestamps are unique per channel, so the same message always
// maps to the same ledger entry across posts, edits, deletions and referenda.
func MessageID(ts string) string {
	sum := sha256.Sum256([]byte(ts))
	return hex.EncodeToString(sum[:])
}
