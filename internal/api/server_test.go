package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/loop"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/session"
)

// fakeRuntime records calls and returns canned results.
type fakeRuntime struct {
	mu        sync.Mutex
	sessions  map[string]session.Session
	submitErr error
	submitted []string
	deleted   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sessions: make(map[string]session.Session)}
}

func (f *fakeRuntime) CreateSession(userID string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := session.Session{ID: fmt.Sprintf("s%d", len(f.sessions)+1), UserID: userID, Status: session.StatusActive}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRuntime) CloseSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeRuntime) Sessions(userID string) []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeRuntime) DeleteUserMemory(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, userID)
	return 2, nil
}

func (f *fakeRuntime) Submit(_ context.Context, sessionID, kind string, payload json.RawMessage) (orchestrator.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return orchestrator.SubmitResult{}, f.submitErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return orchestrator.SubmitResult{}, fmt.Errorf("session %s: %w", sessionID, fault.ErrNotFound)
	}
	f.submitted = append(f.submitted, kind)
	if kind == orchestrator.KindLoop {
		return orchestrator.SubmitResult{Kind: kind, SessionID: sessionID, RunID: "r1", Created: true}, nil
	}
	return orchestrator.SubmitResult{Kind: kind, SessionID: sessionID, Result: payload}, nil
}

func (f *fakeRuntime) RunStatus(_ context.Context, runID string) (loop.Run, error) {
	if runID != "r1" {
		return loop.Run{}, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	return loop.Run{RunID: "r1", SessionID: "s1", Status: loop.StatusConverged, Iteration: 2}, nil
}

func (f *fakeRuntime) Runs(ctx context.Context, sessionID string) ([]loop.Run, error) {
	r, _ := f.RunStatus(ctx, "r1")
	return []loop.Run{r}, nil
}

func (f *fakeRuntime) Health(context.Context) orchestrator.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Health{Status: "ok", ActiveSessions: len(f.sessions)}
}

func newTestServer(t *testing.T, rt Runtime, bus *events.Bus) *httptest.Server {
	t.Helper()
	s := NewServer("", 0, rt, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp, out
}

func TestSessionLifecycle(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestServer(t, rt, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/sessions", `{"user_id":"u1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" || body["user_id"] != "u1" {
		t.Fatalf("create body = %v", body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/sessions?user_id=u1", "")
	if resp.StatusCode != http.StatusOK || len(body["sessions"].([]any)) != 1 {
		t.Errorf("list = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/submit", `{"kind":"plan","payload":{"goal":"x"}}`)
	if resp.StatusCode != http.StatusOK || body["kind"] != "plan" {
		t.Errorf("submit = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/submit", `{"kind":"loop"}`)
	if resp.StatusCode != http.StatusAccepted || body["run_id"] != "r1" {
		t.Errorf("loop submit = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/runs/r1", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "converged" {
		t.Errorf("run status = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/sessions/"+id, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("close status = %d", resp.StatusCode)
	}
}

func TestMemoryDelete(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestServer(t, rt, nil)

	resp, body := do(t, http.MethodDelete, ts.URL+"/v1/users/u1/memory", "")
	if resp.StatusCode != http.StatusOK || body["keys_deleted"] != float64(2) || body["user_id"] != "u1" {
		t.Errorf("delete = %d %v", resp.StatusCode, body)
	}
	if len(rt.deleted) != 1 || rt.deleted[0] != "u1" {
		t.Errorf("deleted = %v", rt.deleted)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		retryable bool
	}{
		{fault.ErrNotFound, http.StatusNotFound, false},
		{fault.ErrTimeout, http.StatusGatewayTimeout, true},
		{fault.ErrTransient, http.StatusServiceUnavailable, true},
		{fault.ErrInvalid, http.StatusBadRequest, false},
		{fault.ErrFatal, http.StatusInternalServerError, true},
		{fmt.Errorf("x: %w: %w", fault.ErrFailed, fault.ErrTransient), http.StatusBadGateway, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rt := newFakeRuntime()
			rt.submitErr = fmt.Errorf("submit: %w", tt.err)
			ts := newTestServer(t, rt, nil)

			resp, body := do(t, http.MethodPost, ts.URL+"/v1/sessions/s1/submit", `{"kind":"plan"}`)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e, _ := body["error"].(map[string]any)
			if e["retryable"] != tt.retryable {
				t.Errorf("retryable = %v, want %v", e["retryable"], tt.retryable)
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, newFakeRuntime(), nil)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"missing user", http.MethodPost, "/v1/sessions", `{}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/sessions", `{"user_id":`, http.StatusBadRequest},
		{"missing kind", http.MethodPost, "/v1/sessions/s1/submit", `{}`, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/v1/sessions/nope/submit", `{"kind":"plan"}`, http.StatusNotFound},
		{"unknown run", http.MethodGet, "/v1/runs/nope", ``, http.StatusNotFound},
		{"list without user", http.MethodGet, "/v1/sessions", ``, http.StatusBadRequest},
		{"no event bus", http.MethodGet, "/v1/events", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHealthAndVersion(t *testing.T) {
	rt := newFakeRuntime()
	rt.CreateSession("u1")
	ts := newTestServer(t, rt, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || body["active_sessions"] != float64(1) {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/v1/version", "")
	if resp.StatusCode != http.StatusOK || body["go_version"] == nil {
		t.Errorf("version = %d %v", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	ts := newTestServer(t, newFakeRuntime(), bus)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?source=loop"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; publish until a frame
	// arrives.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Publish(events.Event{Source: events.SourceSession, Kind: events.KindSessionCreated})
				bus.Publish(events.Event{Source: events.SourceLoop, Kind: events.KindRunStarted, Data: map[string]any{"run_id": "r1"}})
			}
		}
	}()

	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Source != events.SourceLoop || ev.Kind != events.KindRunStarted || ev.Data["run_id"] != "r1" {
		t.Errorf("event = %+v", ev)
	}
}
