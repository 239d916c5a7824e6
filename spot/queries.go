package spot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// DefaultScoreboardSize is used when the trigger message carries no count.
const DefaultScoreboardSize = 5

const resetConfirmation = "reset yes i mean it really delete everything"

// Scoreboard posts the top-N spotters by spot count, descending. N is parsed
// from the token following the trigger word and falls back to the default on
// anything unparseable.
func Scoreboard(ctx context.Context, st Store, msgr Messenger, m Message) error {
	n := parseCount(m.Text, DefaultScoreboardSize)
	spots, _, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	if len(spots) == 0 {
		return nil
	}

	board := rank(spots, n)
	var b strings.Builder
	b.WriteString("spotboard:\n")
	for i, user := range board {
		b.WriteString(fmt.Sprintf("%d. %s - %d\n", i+1, displayName(ctx, msgr, user), spots[user]))
	}
	if _, err := msgr.Say(ctx, m.Channel, b.String()); err != nil {
		return fmt.Errorf("post scoreboard: %w", err)
	}
	return nil
}

// Pics posts the full evidence list for the first mentioned user, in
// insertion order. No mention or no recorded images is a silent no-op.
func Pics(ctx context.Context, st Store, msgr Messenger, m Message) error {
	ms := mentions(m.Text)
	if len(ms) == 0 {
		return nil
	}
	target := ms[0]

	images, err := st.Images(ctx)
	if err != nil {
		return err
	}
	list := images[target]
	if len(list) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Spots of %s:\n", displayName(ctx, msgr, target)))
	for i, link := range list {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, link))
	}
	if _, err := msgr.Say(ctx, m.Channel, b.String()); err != nil {
		return fmt.Errorf("post pics: %w", err)
	}
	return nil
}

// Reset erases all tally state for the location. Only the stored manager may
// invoke it, and only with the exact confirmation phrase; anything else gets
// a user-visible explanation and no state change.
func Reset(ctx context.Context, st Store, msgr Messenger, m Message) error {
	manager, err := st.Manager(ctx)
	if err != nil {
		return err
	}
	if manager == "" || m.User != manager {
		_, err := msgr.Say(ctx, m.Channel, "Only the person who invited Spot Bot to the channel can perform that action. ")
		return err
	}
	if !strings.Contains(strings.ToLower(m.Text), resetConfirmation) {
		_, err := msgr.Say(ctx, m.Channel, "If you really want to delete every spot in this channel, please send \"reset yes i mean it really delete everything\". This action cannot be undone.")
		return err
	}
	if _, err := msgr.Say(ctx, m.Channel, "Resetting the spot record. "); err != nil {
		slog.Warn("reset notice failed", slog.Any("err", err), slog.String("channel", m.Channel))
	}
	return st.Reset(ctx)
}

// rank returns up to n users sorted by count descending. Ties break by user
// id so the ordering is arbitrary but stable.
func rank(counts map[string]int, n int) []string {
	users := make([]string, 0, len(counts))
	for u := range counts {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if counts[users[i]] != counts[users[j]] {
			return counts[users[i]] > counts[users[j]]
		}
		return users[i] < users[j]
	})
	if len(users) > n {
		users = users[:n]
	}
	return users
}

// parseCount looks for an integer right after a scoreboard trigger word.
func parseCount(text string, def int) int {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		if w != "scoreboard" && w != "spotboard" {
			continue
		}
		if i+1 < len(words) {
			if n, err := strconv.Atoi(words[i+1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return def
}

// displayName resolves a user's display name, falling back to the mention
// form when the profile lookup fails.
func displayName(ctx context.Context, msgr Messenger, user string) string {
	name, err := msgr.DisplayName(ctx, user)
	if err != nil || name == "" {
		slog.Debug("display name lookup failed", slog.String("user", user), slog.Any("err", err))
		return "<@" + user + ">"
	}
	return name
}
