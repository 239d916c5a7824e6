package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kelpworks/spotbot/slackapi"
	"github.com/kelpworks/spotbot/store"
)

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refusing past the cap fails the flow, which beats unbounded growth.
	if len(h.stateStore) >= maxOAuthStates {
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, reporting whether it was
// live.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}

// HandleInstall starts the workspace install flow by redirecting to Slack's
// authorize page.
func (h *Handlers) HandleInstall(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SlackClientID == "" || h.cfg.SlackRedirectURI == "" {
		http.Error(w, "oauth not configured (need SPOTBOT_CLIENT_ID + SPOTBOT_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(h.cfg.OAuthStateTTL))
	http.Redirect(w, r, slackapi.BuildAuthorizeURL(h.cfg.SlackClientID, h.cfg.SlackRedirectURI, h.cfg.SlackScopes, st), http.StatusFound)
}

// HandleOAuthRedirect completes the install: validates state, exchanges the
// code, and persists the workspace's bot credential.
func (h *Handlers) HandleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	res, err := slackapi.ExchangeCode(ctx, h.cfg.SlackClientID, h.cfg.SlackClientSecret, code, h.cfg.SlackRedirectURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.deps.Installs.Save(ctx, store.Installation{
		TeamID:    res.Team.ID,
		TeamName:  res.Team.Name,
		BotToken:  res.AccessToken,
		BotUserID: res.BotUserID,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("workspace installed", slog.String("team", res.Team.ID))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "team": res.Team.ID}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
