// Package server exposes the HTTP surface: the Slack events endpoint, the
// OAuth install flow, and health/status/metrics. It decodes events once at
// the boundary and hands typed events to the core packages.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/kelpworks/spotbot/config"
	"github.com/kelpworks/spotbot/events"
	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/referendum"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/telemetry"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	maxEventBody = 1 << 20

	introMessage = "Hi, I'm Spot Bot! Post a photo with a spot word and mention whoever you caught, " +
		"ask for the \"spotboard\", request someone's \"pics\", or reply \"referendum\" to dispute a spot."
)

// Deps are the collaborators the handlers drive. They are interfaces and
// function values so tests can swap in fakes without a database or Slack.
type Deps struct {
	// OpenLocation binds a tally store handle to a location fingerprint.
	OpenLocation func(locID string) spot.Store
	// Records is the pending-referendum store.
	Records referendum.Records
	// Installs resolves and persists workspace installations.
	Installs InstallStore
	// Messenger builds the outbound client for an installation.
	Messenger func(inst *store.Installation) spot.Messenger
	// Ready reports backing-store health for readiness checks.
	Ready func(ctx context.Context) error
}

// InstallStore is the installation persistence surface the handlers need.
type InstallStore interface {
	Find(ctx context.Context, teamID string) (*store.Installation, error)
	Save(ctx context.Context, inst store.Installation) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg        *config.Config
	deps       Deps
	started    time.Time
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, deps Deps) *Handlers {
	return &Handlers{
		cfg:        cfg,
		deps:       deps,
		started:    time.Now(),
		stateStore: make(map[string]time.Time),
	}
}

// HandleEvents is the Slack Events API endpoint. Slack retries non-200
// responses, so handled events always acknowledge with 200 even when
// processing failed; failures are logged instead.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if h.cfg.SlackSigningSecret != "" {
		if err := verifySignature(r.Header, h.cfg.SlackSigningSecret, body); err != nil {
			slog.Warn("event signature rejected", slog.Any("err", err))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	ev, err := events.Decode(body)
	if err != nil {
		// Acknowledge anyway; Slack retrying an undecodable payload helps no one.
		telemetry.LoggerWithCorr(r.Context()).Warn("event decode failed", slog.Any("err", err))
		w.WriteHeader(http.StatusOK)
		return
	}

	if v, ok := ev.(events.URLVerification); ok {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(v.Challenge))
		return
	}

	telemetry.CountEventReceived()
	if ev != nil {
		telemetry.TimeFunc(telemetry.EventDuration, func() {
			h.dispatch(r.Context(), ev)
		})
	}
	w.WriteHeader(http.StatusOK)
}

func verifySignature(header http.Header, secret string, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// dispatch routes one typed event. Each event gets its own location-scoped
// store handle whose queued writes flush together at the end, so a crash
// mid-event never leaves partial aggregates behind.
func (h *Handlers) dispatch(ctx context.Context, ev events.Event) {
	log := telemetry.LoggerWithCorr(ctx)
	switch e := ev.(type) {
	case events.MemberJoined:
		h.handleMemberJoined(ctx, e)
	case events.MessagePosted:
		h.handleMessage(ctx, e)
	case events.MessageEdited:
		h.handleEdited(ctx, e)
	case events.MessageDeleted:
		h.handleDeleted(ctx, e)
	default:
		log.Debug("event ignored")
	}
}

func (h *Handlers) perTeam(ctx context.Context, teamID string) (spot.Messenger, error) {
	inst, err := h.deps.Installs.Find(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return h.deps.Messenger(inst), nil
}

func (h *Handlers) handleMemberJoined(ctx context.Context, e events.MemberJoined) {
	log := telemetry.LoggerWithCorr(ctx)
	msgr, err := h.perTeam(ctx, e.TeamID)
	if err != nil {
		log.Warn("no installation for team", slog.String("team", e.TeamID), slog.Any("err", err))
		return
	}
	bot, err := msgr.BotUserID(ctx)
	if err != nil || e.User != bot {
		return
	}
	if _, err := msgr.Say(ctx, e.Channel, introMessage); err != nil {
		log.Warn("intro message failed", slog.Any("err", err))
	}
	if e.Inviter == "" {
		return
	}
	st := h.deps.OpenLocation(location.ID(e.Channel, e.TeamID))
	st.SetManager(e.Inviter)
	if err := st.Flush(ctx); err != nil {
		log.Error("manager assignment failed", slog.Any("err", err))
	}
}

func (h *Handlers) handleMessage(ctx context.Context, e events.MessagePosted) {
	log := telemetry.LoggerWithCorr(ctx)
	m := spot.Message{
		Channel:  e.Channel,
		User:     e.User,
		TS:       e.TS,
		ThreadTS: e.ThreadTS,
		Text:     e.Text,
		Images:   e.Images,
	}

	// Each trigger is matched independently; one message can both log a spot
	// and answer a query ("spotted <@U> ... scoreboard"). The spot runs first
	// so its mutations are queued before any query handler executes.
	var steps []func(ctx context.Context, st spot.Store, msgr spot.Messenger) error
	if spot.SpotPattern.MatchString(e.Text) && len(e.Images) > 0 {
		steps = append(steps, func(ctx context.Context, st spot.Store, msgr spot.Messenger) error {
			return spot.LogSpot(ctx, st, msgr, m, false)
		})
	}
	if spot.ReferendumPattern.MatchString(e.Text) {
		steps = append(steps, func(ctx context.Context, st spot.Store, msgr spot.Messenger) error {
			return referendum.Open(ctx, st, h.deps.Records, msgr, m, e.TeamID, h.cfg.ReferendumWindow)
		})
	}
	if spot.ResetPattern.MatchString(e.Text) {
		steps = append(steps, func(ctx context.Context, st spot.Store, msgr spot.Messenger) error {
			return spot.Reset(ctx, st, msgr, m)
		})
	}
	if spot.ScoreboardPattern.MatchString(e.Text) {
		steps = append(steps, func(ctx context.Context, st spot.Store, msgr spot.Messenger) error {
			return spot.Scoreboard(ctx, st, msgr, m)
		})
	}
	if spot.PicsPattern.MatchString(e.Text) {
		steps = append(steps, func(ctx context.Context, st spot.Store, msgr spot.Messenger) error {
			return spot.Pics(ctx, st, msgr, m)
		})
	}
	if len(steps) == 0 {
		return
	}

	msgr, err := h.perTeam(ctx, e.TeamID)
	if err != nil {
		log.Warn("no installation for team", slog.String("team", e.TeamID), slog.Any("err", err))
		return
	}
	st := h.deps.OpenLocation(location.ID(e.Channel, e.TeamID))
	for _, step := range steps {
		if err := step(ctx, st, msgr); err != nil {
			log.Error("message handling failed", slog.Any("err", err), slog.String("ts", e.TS))
		}
	}
	if err := st.Flush(ctx); err != nil {
		log.Error("event flush failed", slog.Any("err", err), slog.String("ts", e.TS))
	}
}

func (h *Handlers) handleEdited(ctx context.Context, e events.MessageEdited) {
	log := telemetry.LoggerWithCorr(ctx)
	msgr, err := h.perTeam(ctx, e.TeamID)
	if err != nil {
		log.Warn("no installation for team", slog.String("team", e.TeamID), slog.Any("err", err))
		return
	}
	st := h.deps.OpenLocation(location.ID(e.Channel, e.TeamID))
	inner := spot.Message{
		Channel: e.Channel,
		User:    e.Message.User,
		TS:      e.Message.TS,
		Text:    e.Message.Text,
		Images:  e.Message.Images,
	}
	if err := spot.ReprocessEdit(ctx, st, msgr, e.TS, inner, h.cfg.EditGracePeriod); err != nil {
		log.Error("edit reprocessing failed", slog.Any("err", err), slog.String("ts", e.Message.TS))
	}
	if err := st.Flush(ctx); err != nil {
		log.Error("event flush failed", slog.Any("err", err), slog.String("ts", e.Message.TS))
	}
}

func (h *Handlers) handleDeleted(ctx context.Context, e events.MessageDeleted) {
	log := telemetry.LoggerWithCorr(ctx)
	st := h.deps.OpenLocation(location.ID(e.Channel, e.TeamID))
	if err := spot.Compensate(ctx, st, location.MessageID(e.DeletedTS)); err != nil {
		log.Error("deletion compensation failed", slog.Any("err", err), slog.String("ts", e.DeletedTS))
	}
	if err := st.Flush(ctx); err != nil {
		log.Error("event flush failed", slog.Any("err", err), slog.String("ts", e.DeletedTS))
	}
}

// HandleHealthz is a liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports readiness: the backing store must answer.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// HandleStatus reports process status and pending referenda.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if h.deps.Records != nil {
		if n, err := h.deps.Records.PendingCount(r.Context()); err == nil {
			status["pending_referenda"] = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
