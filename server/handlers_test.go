package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kelpworks/spotbot/config"
	"github.com/kelpworks/spotbot/location"
	"github.com/kelpworks/spotbot/spot"
	"github.com/kelpworks/spotbot/store"
	"github.com/kelpworks/spotbot/testutil"
)

type fakeInstalls struct {
	inst *store.Installation
}

func (f *fakeInstalls) Find(_ context.Context, teamID string) (*store.Installation, error) {
	if f.inst == nil || f.inst.TeamID != teamID {
		return nil, store.ErrNotInstalled
	}
	return f.inst, nil
}

func (f *fakeInstalls) Save(_ context.Context, inst store.Installation) error {
	f.inst = &inst
	return nil
}

type fixture struct {
	handlers *Handlers
	store    *testutil.FakeStore
	msgr     *testutil.FakeMessenger
	records  *testutil.FakeRecords
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			BasePath:         "/spotbot",
			EditGracePeriod:  time.Minute,
			ReferendumWindow: 24 * time.Hour,
		}
	}
	st := testutil.NewFakeStore("loc1")
	msgr := testutil.NewFakeMessenger("UBOT")
	recs := &testutil.FakeRecords{}
	installs := &fakeInstalls{inst: &store.Installation{TeamID: "T1", BotToken: "xoxb-test", BotUserID: "UBOT"}}

	h := NewHandlers(cfg, Deps{
		OpenLocation: func(string) spot.Store { return st },
		Records:      recs,
		Installs:     installs,
		Messenger:    func(*store.Installation) spot.Messenger { return msgr },
	})
	return &fixture{handlers: h, store: st, msgr: msgr, records: recs}
}

func postEvent(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/spotbot/events/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleEvents(rec, req)
	return rec
}

func TestHandleEventsRejectsGet(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/spotbot/events/", nil)
	rec := httptest.NewRecorder()
	f.handlers.HandleEvents(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleEventsEchoesChallenge(t *testing.T) {
	f := newFixture(t, nil)
	rec := postEvent(t, f.handlers, `{"type":"url_verification","challenge":"xyz789"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "xyz789" {
		t.Errorf("body = %q, want challenge echoed", got)
	}
}

func TestHandleEventsRejectsBadSignature(t *testing.T) {
	f := newFixture(t, &config.Config{BasePath: "/spotbot", SlackSigningSecret: "sekrit"})
	req := httptest.NewRequest(http.MethodPost, "/spotbot/events/", strings.NewReader(`{"type":"url_verification","challenge":"x"}`))
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	req.Header.Set("X-Slack-Request-Timestamp", fmt.Sprint(time.Now().Unix()))
	rec := httptest.NewRecorder()
	f.handlers.HandleEvents(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleEventsAcceptsValidSignature(t *testing.T) {
	secret := "sekrit"
	f := newFixture(t, &config.Config{BasePath: "/spotbot", SlackSigningSecret: secret})
	body := `{"type":"url_verification","challenge":"signedok"}`
	ts := fmt.Sprint(time.Now().Unix())

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/spotbot/events/", strings.NewReader(body))
	req.Header.Set("X-Slack-Signature", sig)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	rec := httptest.NewRecorder()
	f.handlers.HandleEvents(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "signedok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleEventsAcksUndecodableBody(t *testing.T) {
	f := newFixture(t, nil)
	rec := postEvent(t, f.handlers, `{{{`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 ack", rec.Code)
	}
}

func TestSpotMessageFlowsToTally(t *testing.T) {
	f := newFixture(t, nil)
	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"channel": "C1",
			"user": "U1",
			"ts": "1700000000.000100",
			"text": "spotted <@U2>",
			"files": [{"url_private": "https://files.example/a.jpg"}]
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := f.store.Spots["U1"]; got != 1 {
		t.Errorf("spotter credit = %d, want 1", got)
	}
	if got := f.store.Caught["U2"]; got != 1 {
		t.Errorf("caught = %d, want 1", got)
	}
	if f.store.Flushed == 0 {
		t.Error("event did not flush the batch")
	}
}

func TestSpotMessageWithQueryWordCountsAndAnswers(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Spots["U3"] = 2
	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"channel": "C1",
			"user": "U1",
			"ts": "1700000000.000100",
			"text": "spotted <@U2>, put it on the scoreboard",
			"files": [{"url_private": "https://files.example/a.jpg"}]
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := f.store.Spots["U1"]; got != 1 {
		t.Errorf("spotter credit = %d, want 1 (query word must not swallow the spot)", got)
	}
	if got := f.store.Caught["U2"]; got != 1 {
		t.Errorf("caught = %d, want 1", got)
	}
	var board bool
	for _, s := range f.msgr.Said {
		if strings.Contains(s.Text, "spotboard") {
			board = true
		}
	}
	if !board {
		t.Error("scoreboard query in the same message was not answered")
	}
}

func TestScoreboardMessageDoesNotTouchTally(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Spots["U2"] = 3
	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "message", "channel": "C1", "user": "U1", "ts": "1700000001.000100", "text": "scoreboard"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.msgr.Said) != 1 || !strings.Contains(f.msgr.Said[0].Text, "spotboard") {
		t.Errorf("scoreboard not posted: %+v", f.msgr.Said)
	}
}

func TestUnknownTeamIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "TOTHER",
		"event": {
			"type": "message", "channel": "C1", "user": "U1", "ts": "1700000000.000100",
			"text": "spotted <@U2>", "files": [{"url_private": "https://files.example/a.jpg"}]
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, uninstalled team must still be acked", rec.Code)
	}
	if len(f.store.Spots) != 0 {
		t.Error("uninstalled team reached the tally")
	}
}

func TestBotJoinSendsIntroAndSetsManager(t *testing.T) {
	f := newFixture(t, nil)
	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "member_joined_channel", "channel": "C1", "user": "UBOT", "inviter": "UMGR"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.msgr.Said) != 1 || !strings.Contains(f.msgr.Said[0].Text, "Spot Bot") {
		t.Errorf("intro not posted: %+v", f.msgr.Said)
	}
	if f.store.ManagerUser != "UMGR" {
		t.Errorf("manager = %q, want UMGR", f.store.ManagerUser)
	}
}

func TestOtherMemberJoinIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "member_joined_channel", "channel": "C1", "user": "USOMEONE", "inviter": "UMGR"}
	}`)
	if len(f.msgr.Said) != 0 {
		t.Error("intro posted for a non-bot join")
	}
	if f.store.ManagerUser != "" {
		t.Error("manager set by a non-bot join")
	}
}

func TestDeletedMessageIsCompensated(t *testing.T) {
	f := newFixture(t, nil)
	ts := "1700000000.000100"
	f.store.Entries[location.MessageID(ts)] = store.SpotEntry{
		Spotter: "U1", Spotted: []string{"U2"}, Images: []string{"https://files.example/a.jpg"}, TS: ts,
	}
	f.store.Spots["U1"] = 1
	f.store.Caught["U2"] = 1
	f.store.ImageSets["U2"] = []string{"https://files.example/a.jpg"}

	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "message", "subtype": "message_deleted", "channel": "C1", "deleted_ts": "`+ts+`"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.store.Spots["U1"] != 0 || f.store.Caught["U2"] != 0 {
		t.Errorf("deletion not compensated: spots=%d caught=%d", f.store.Spots["U1"], f.store.Caught["U2"])
	}
}

func TestEditedMessageIsReprocessed(t *testing.T) {
	f := newFixture(t, nil)
	ts := "1700000000.000100"
	f.store.Entries[location.MessageID(ts)] = store.SpotEntry{
		Spotter: "U1", Spotted: []string{"U2"}, Images: []string{"https://files.example/a.jpg"}, TS: ts,
	}
	f.store.Spots["U1"] = 1
	f.store.Caught["U2"] = 1
	f.store.ImageSets["U2"] = []string{"https://files.example/a.jpg"}

	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"subtype": "message_changed",
			"channel": "C1",
			"ts": "1700000030.000200",
			"message": {
				"user": "U1",
				"ts": "`+ts+`",
				"text": "spotted <@U3>",
				"files": [{"url_private": "https://files.example/a.jpg"}]
			}
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.store.Caught["U2"] != 0 || f.store.Caught["U3"] != 1 {
		t.Errorf("edit not reprocessed: caught=%v", f.store.Caught)
	}
}

func TestReferendumReplyOpensVote(t *testing.T) {
	f := newFixture(t, nil)
	spotTS := "1700000000.000100"
	f.store.Entries[location.MessageID(spotTS)] = store.SpotEntry{
		Spotter: "U1", Spotted: []string{"U2"}, Images: []string{"https://files.example/a.jpg"}, TS: spotTS,
	}

	rec := postEvent(t, f.handlers, `{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message", "channel": "C1", "user": "U3",
			"ts": "1700003600.000100", "thread_ts": "`+spotTS+`",
			"text": "referendum"
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.records.Added) != 1 {
		t.Fatalf("recorded %d referenda, want 1", len(f.records.Added))
	}
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handlers.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handlers.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz with no checker = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handlers.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status payload = %v", body)
	}
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.handlers.deps.Ready = func(context.Context) error { return fmt.Errorf("mongo down") }

	rec := httptest.NewRecorder()
	f.handlers.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}
