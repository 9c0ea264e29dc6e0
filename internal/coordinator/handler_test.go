package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"live-relay/internal/events"
	"live-relay/internal/streamerr"
)

func newTestHandler(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	catalog := &Catalog{Sources: []Source{camera(), mediaFile(), slate()}}
	r := chi.NewRouter()
	NewHandler(env.coord, catalog, env.events, quietLogger()).Routes(r)
	return r
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_control_flow(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env)

	if rec := post(t, h, "/control/start", `{"name":"studio-cam"}`); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}

	req := httptest.NewRequest(http.MethodGet, "/control/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Session.State != StateLive || !st.Relay.IsLive {
		t.Errorf("unexpected status %+v", st)
	}

	body := `{"source":{"kind":"file","path":"/media/clip.mp4"}}`
	if rec := post(t, h, "/control/switch", body); rec.Code != http.StatusOK {
		t.Fatalf("switch: %d %s", rec.Code, rec.Body)
	}
	if rec := post(t, h, "/control/restart", ""); rec.Code != http.StatusConflict {
		t.Errorf("restart while live: %d", rec.Code)
	}
	if rec := post(t, h, "/control/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := post(t, h, "/control/restart", ""); rec.Code != http.StatusOK {
		t.Fatalf("restart: %d %s", rec.Code, rec.Body)
	}
	if s := env.session(t); s.Source == nil || s.Source.Path != "/media/clip.mp4" {
		t.Errorf("restart should reuse the last source, got %+v", s.Source)
	}

	rec = post(t, h, "/control/cleanup", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"removed"`) {
		t.Errorf("cleanup should return the report, got %s", rec.Body)
	}
}

func TestHandler_bad_requests(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown source", path: "/control/start", body: `{"name":"nope"}`, want: http.StatusBadRequest},
		{name: "empty body", path: "/control/start", body: `{}`, want: http.StatusBadRequest},
		{name: "malformed", path: "/control/start", body: `{`, want: http.StatusBadRequest},
		{name: "invalid inline source", path: "/control/start", body: `{"source":{"kind":"camera"}}`, want: http.StatusBadRequest},
		{name: "switch while idle", path: "/control/switch", body: `{"name":"promo"}`, want: http.StatusConflict},
		{name: "restart without content", path: "/control/restart", want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := post(t, h, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("got %d want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHandler_respond_maps_errors(t *testing.T) {
	h := &Handler{log: quietLogger()}
	tests := []struct {
		err        error
		wantStatus int
		wantBody   string
	}{
		{err: nil, wantStatus: http.StatusOK, wantBody: `"ok"`},
		{err: streamerr.ErrOperationSuperseded, wantStatus: http.StatusOK, wantBody: `"superseded"`},
		{err: fmt.Errorf("%w: ffmpeg", streamerr.ErrEncoderSpawn), wantStatus: http.StatusUnprocessableEntity},
		{err: streamerr.ErrNoSupportedFormat, wantStatus: http.StatusUnprocessableEntity},
		{err: streamerr.ErrInvalidState, wantStatus: http.StatusConflict},
		{err: streamerr.ErrNoContent, wantStatus: http.StatusConflict},
		{err: fmt.Errorf("%w: dial relay", streamerr.ErrTimeout), wantStatus: http.StatusGatewayTimeout},
		{err: streamerr.ErrConnectionRejected, wantStatus: http.StatusServiceUnavailable},
		{err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/control/start", nil)
			h.respond(rec, req, "start", tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s missing %s", rec.Body, tt.wantBody)
			}
		})
	}
}

func TestHandler_sources(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env)

	req := httptest.NewRequest(http.MethodGet, "/control/sources", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body struct {
		Sources []Source `json:"sources"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sources) != 3 || body.Sources[0].Name != "studio-cam" {
		t.Errorf("unexpected sources %+v", body.Sources)
	}
}

func TestHandler_events_stream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(newTestHandler(t, env))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// headers are flushed after subscribing, so this event is delivered
	if err := env.events.Publish(ctx, events.Event{Type: events.TypeEncoderCrashed, Detail: "exit code 1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "event: encoder_crashed" {
		t.Fatalf("unexpected event lines %q", lines)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Detail != "exit code 1" || ev.OccurredAt.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
}
