// Package spot implements the stateful core of the bot: parsing qualifying
// messages into spot events, applying their tally mutations, reversing them
// through the compensation path, and answering leaderboard and photo lookups.
//
// Everything here operates against the Store and Messenger interfaces so the
// same logic serves live Slack traffic, edit reprocessing and referendum
// resolution, and is testable with in-memory fakes.
package spot

import (
	"context"
	"regexp"

	"github.com/kelpworks/spotbot/store"
)

// Trigger patterns the event router matches before handing a message to this
// package. Mentions use Slack's <@USERID> token syntax.
var (
	SpotPattern       = regexp.MustCompile(`(?i)(\bspot\b)|(\bspots\b)|(\bspotted\b)|(\bspotting\b)`)
	ScoreboardPattern = regexp.MustCompile(`(?i)\bscoreboard\b|\bspotboard\b`)
	PicsPattern       = regexp.MustCompile(`(?i)\bpics\b|\bphotos\b`)
	ReferendumPattern = regexp.MustCompile(`(?i)\breferendum\b`)
	ResetPattern      = regexp.MustCompile(`(?i)\breset\b`)

	mentionPattern = regexp.MustCompile(`<@([a-zA-Z0-9]+)>`)
)

// Reaction markers applied to spot messages.
const (
	ApprovedEmoji = "white_check_mark"
	DeniedEmoji   = "x"
)

// Message is one inbound channel message after boundary decoding.
type Message struct {
	Channel  string
	User     string
	TS       string
	ThreadTS string
	Text     string
	Images   []string
}

// Store is the per-location tally surface the core mutates. Counter, image
// and ledger-set mutations are queued and commit together in Flush; the
// ledger primitives DeleteEntry and SetReferendumFlag are immediate and
// atomic (remove-and-return / flip-and-return-previous).
type Store interface {
	ID() string

	IncrementSpot(user string, delta int)
	IncrementCaught(user string, delta int)
	AppendImages(user string, urls []string)
	RemoveImages(user string, urls []string)
	AddEntry(id string, entry store.SpotEntry)
	SetRecent(user string)
	ClearRecent()
	SetManager(user string)
	Flush(ctx context.Context) error

	DeleteEntry(ctx context.Context, id string) (*store.SpotEntry, error)
	SetReferendumFlag(ctx context.Context, id string) (*bool, error)

	Recent(ctx context.Context) (string, error)
	Manager(ctx context.Context) (string, error)
	Counts(ctx context.Context) (spots, caught map[string]int, err error)
	Images(ctx context.Context) (map[string][]string, error)
	Reset(ctx context.Context) error
}

// Reaction is one emoji's tally on a message.
type Reaction struct {
	Name  string
	Users []string
}

// Messenger is the outbound Slack surface the core consumes.
type Messenger interface {
	Say(ctx context.Context, channel, text string) (ts string, err error)
	SayThread(ctx context.Context, channel, threadTS, text string, broadcast bool) (ts string, err error)
	AddReaction(ctx context.Context, channel, ts, name string) error
	RemoveReaction(ctx context.Context, channel, ts, name string) error
	Reactions(ctx context.Context, channel, ts string) ([]Reaction, error)
	DisplayName(ctx context.Context, user string) (string, error)
	BotUserID(ctx context.Context) (string, error)
}

// mentions extracts mentioned user ids from text, deduplicated in first-seen
// order. Malformed mention tokens simply don't match.
func mentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
