package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dosewatch/internal/api"
	"dosewatch/internal/config"
	"dosewatch/internal/connectivity"
	"dosewatch/internal/cooldown"
	"dosewatch/internal/model"
	"dosewatch/internal/notify"
	"dosewatch/internal/queue"
	"dosewatch/internal/session"
	"dosewatch/internal/testutil"
	"dosewatch/internal/undo"
)

type stubRemote struct {
	mu        sync.Mutex
	delivered []model.QueuedAction
}

func (r *stubRemote) Deliver(_ context.Context, act model.QueuedAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, act)
	return nil
}

type apiTestServer struct {
	srv *Server
	clk *testutil.FakeClock
	ctx context.Context
}

// newAPITestServer wires a full server against a temp store, an offline
// monitor and a fake clock pinned at 21:00 local.
func newAPITestServer(t *testing.T) *apiTestServer {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.SocketPath = t.TempDir() + "/dosewatchd.sock"
	clk := testutil.NewFakeClock(time.Date(2026, 3, 7, 21, 0, 0, 0, time.UTC))
	conn := connectivity.NewMonitor(false)
	q := queue.New(store, &stubRemote{}, conn, cfg, clk)
	coord, err := session.NewCoordinator(ctx, cfg, store, q,
		cooldown.NewGuard(cfg.Cooldowns),
		undo.NewController(cfg.UndoWindow, clk),
		notify.NewMemoryScheduler(), clk)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &apiTestServer{srv: NewServer(cfg, coord, q, conn), clk: clk, ctx: ctx}
}

func doJSONRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeJSON[api.HealthResponse](t, rec)
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestDose1ThenSessionContext(t *testing.T) {
	ts := newAPITestServer(t)
	at := ts.clk.Now().Format(time.RFC3339)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: at})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeJSON[api.SessionEnvelope](t, rec)
	if env.Context.Phase != string(model.PhaseBeforeWindow) {
		t.Fatalf("expected before_window, got %s", env.Context.Phase)
	}
	if env.Context.SessionKey != "2026-03-07" {
		t.Fatalf("unexpected session key %s", env.Context.SessionKey)
	}

	rec = doJSONRequest(t, ts.srv.Handler(), http.MethodGet, "/v1/session", nil)
	env = decodeJSON[api.SessionEnvelope](t, rec)
	if env.Context.Phase != string(model.PhaseBeforeWindow) {
		t.Fatalf("session read lost state, got %s", env.Context.Phase)
	}
	if env.Context.NextReminderAt == nil {
		t.Fatalf("expected a scheduled reminder time")
	}
}

func TestSnoozeWithoutDose1IsRejected(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/snooze", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	resp := decodeJSON[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.CodeDose1Required {
		t.Fatalf("expected %s, got %s", model.CodeDose1Required, resp.Error.Code)
	}
}

func TestDuplicateDose1Conflicts(t *testing.T) {
	ts := newAPITestServer(t)
	at := ts.clk.Now().Format(time.RFC3339)
	doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: at})
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: at})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	resp := decodeJSON[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.CodeAlreadyTaken {
		t.Fatalf("expected %s, got %s", model.CodeAlreadyTaken, resp.Error.Code)
	}
}

func TestInvalidTimestampRejected(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: "not-a-time"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUndoWithoutPendingMutationIsGone(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/undo", nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
	resp := decodeJSON[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.CodeUndoExpired {
		t.Fatalf("expected %s, got %s", model.CodeUndoExpired, resp.Error.Code)
	}
}

func TestEventCooldownOverHTTP(t *testing.T) {
	ts := newAPITestServer(t)
	first := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/events", api.EventRequest{EventType: "bathroom"})
	if resp := decodeJSON[api.EventResponse](t, first); !resp.Accepted {
		t.Fatalf("first event should be accepted")
	}
	second := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/events", api.EventRequest{EventType: "bathroom"})
	if second.Code != http.StatusOK {
		t.Fatalf("cooldown repeat must not error, got %d", second.Code)
	}
	if resp := decodeJSON[api.EventResponse](t, second); resp.Accepted {
		t.Fatalf("repeat inside cooldown should not be accepted")
	}

	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodGet, "/v1/events", nil)
	env := decodeJSON[api.EventsEnvelope](t, rec)
	if len(env.Events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(env.Events))
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/events", api.EventRequest{EventType: "juggling"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueueListingWhileOffline(t *testing.T) {
	ts := newAPITestServer(t)
	at := ts.clk.Now().Format(time.RFC3339)
	doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: at})

	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodGet, "/v1/queue", nil)
	env := decodeJSON[api.QueueEnvelope](t, rec)
	if env.Online {
		t.Fatalf("monitor starts offline")
	}
	if len(env.Actions) != 1 || env.Actions[0].Kind != string(model.ActionTakeDose1) {
		t.Fatalf("unexpected queue contents: %+v", env.Actions)
	}
}

func TestDeleteSessionResetsContext(t *testing.T) {
	ts := newAPITestServer(t)
	at := ts.clk.Now().Format(time.RFC3339)
	doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/dose1", api.DoseRequest{At: at})

	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodDelete, "/v1/session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeJSON[api.SessionEnvelope](t, rec)
	if env.Context.Phase != string(model.PhaseNoDose1) {
		t.Fatalf("expected no_dose1 after delete, got %s", env.Context.Phase)
	}
}

func TestExportAccepted(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPost, "/v1/actions/export", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestWatchSnapshotLine(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodGet, "/v1/watch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	line := decodeJSON[api.WatchLine](t, rec)
	if line.Type != "snapshot" || line.StreamID == "" || line.Sequence != 1 {
		t.Fatalf("unexpected watch line: %+v", line)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newAPITestServer(t)
	rec := doJSONRequest(t, ts.srv.Handler(), http.MethodPut, "/v1/session", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow == "" {
		t.Fatalf("expected Allow header")
	}
}
