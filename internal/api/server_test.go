package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/session"
	"github.com/dweam-team/world-arcade/internal/supervisor"
	"github.com/dweam-team/world-arcade/internal/turn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = game.NewSchema("Test",
	game.Param{Name: "speed", Type: game.Number, Default: 1.0},
	game.Param{Name: "seed", Type: game.Integer},
)

type stubWorker struct {
	offerErr error

	mu      sync.Mutex
	stopped bool
}

func (w *stubWorker) Start(context.Context) error { return nil }

func (w *stubWorker) GetSchema(context.Context) (json.RawMessage, error) {
	return testSchema.JSON()
}

func (w *stubWorker) UpdateParams(_ context.Context, raw json.RawMessage) error {
	_, err := testSchema.Validate(raw)
	return err
}

func (w *stubWorker) HandleOffer(_ context.Context, offer control.SessionDescription) (control.SessionDescription, error) {
	if w.offerErr != nil {
		return control.SessionDescription{}, w.offerErr
	}
	return control.SessionDescription{SDP: "answer:" + offer.SDP, Type: "answer"}, nil
}

func (w *stubWorker) Stop(context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.stopped = true
	return true
}

func (w *stubWorker) Liveness(context.Context) (control.LivenessReport, error) {
	return control.LivenessReport{}, nil
}

func (w *stubWorker) OnExit(func(supervisor.ExitInfo)) {}

func (w *stubWorker) Status() supervisor.Status {
	return supervisor.Status{PID: 4242, Running: true, LastLine: "ready"}
}

type history struct {
	mu     sync.Mutex
	events []session.Event
}

func (h *history) Record(_ context.Context, ev session.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return nil
}

func (h *history) List(_ context.Context, sessionID string, limit int) ([]session.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.Event
	for i := len(h.events) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID == "" || h.events[i].SessionID == sessionID {
			out = append(out, h.events[i])
		}
	}
	return out, nil
}

type fixture struct {
	srv      *httptest.Server
	registry *session.Registry
	history  *history
	offerErr error
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	games := game.NewRegistry()
	factory := func(game.Options) (game.Simulation, error) { return nil, errors.New("not used") }
	games.Register(game.Info{Kind: "test", Variant: "solid", Title: "Solid"}, testSchema, factory)
	games.Register(game.Info{Kind: "test", Variant: "noisy", Title: "Noisy"}, nil, factory)
	games.Register(game.Info{Kind: "other", Variant: "one", Title: "One"}, nil, factory)

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	f := &fixture{history: &history{}}
	f.registry = session.NewRegistry(session.Options{
		Games: games,
		NewWorker: func(kind, variant string, _ *logrus.Entry) session.Worker {
			return &stubWorker{offerErr: f.offerErr}
		},
		Recorder: f.history,
		Log:      entry,
	})

	opts := Options{
		Sessions: f.registry,
		Games:    games,
		History:  f.history,
		Turn:     turn.Issuer{Secret: "s3cret", TTL: time.Hour},
		Log:      entry,
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.srv = httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = f.registry.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/sessions", createSessionRequest{Kind: "test", Variant: "solid"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[sessionResponse](t, resp).SessionID
}

var testOffer = control.SessionDescription{SDP: "v=0", Type: "offer"}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])

	f.create(t)
	resp = f.do(t, http.MethodGet, "/status", nil)
	st := decode[statusResponse](t, resp)
	assert.False(t, st.IsLoading)
	assert.Equal(t, 1, st.ActiveSessions)
}

func TestGameCatalog(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/games", nil)
	catalog := decode[map[string]map[string]game.Info](t, resp)
	assert.Len(t, catalog, 2)
	assert.Equal(t, "Solid", catalog["test"]["solid"].Title)

	resp = f.do(t, http.MethodGet, "/api/games/test", nil)
	assert.Len(t, decode[[]game.Info](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/games/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperr.CodeUnknownGame, decode[errorResponse](t, resp).Code)

	resp = f.do(t, http.MethodGet, "/api/games/test/solid", nil)
	assert.Equal(t, "solid", decode[game.Info](t, resp).Variant)

	resp = f.do(t, http.MethodGet, "/api/games/test/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGameSchemaUsesTemporaryWorker(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/games/test/solid/params/schema", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	schema := decode[map[string]any](t, resp)
	assert.Equal(t, "object", schema["type"])
	assert.Empty(t, f.registry.List())
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)

	resp := f.do(t, http.MethodPost, "/api/sessions/"+id+"/offer", testOffer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answer := decode[control.SessionDescription](t, resp)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, "answer:v=0", answer.SDP)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+id+"/params", map[string]any{"params": map[string]any{"speed": 2}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperr.CodeValidationFailed, decode[errorResponse](t, resp).Code)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+id+"/params", map[string]any{"params": map[string]any{"seed": 7}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decode[map[string]string](t, resp)["status"])

	resp = f.do(t, http.MethodGet, "/api/sessions/"+id+"/params/schema", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+id+"/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	st := decode[session.SessionState](t, resp)
	assert.Equal(t, session.Active, st.Phase)

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+id+"/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/history?session="+id, nil)
	events := decode[[]struct {
		Type string `json:"type"`
	}](t, resp)
	require.Len(t, events, 4)
	assert.Equal(t, "closed", events[0].Type)
	assert.Equal(t, "created", events[3].Type)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/sessions", createSessionRequest{Kind: "test"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions", createSessionRequest{Kind: "test", Variant: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/sessions", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCombinedOffer(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/offer/test/solid", testOffer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[offerResponse](t, resp)
	assert.Equal(t, "answer", got.Type)
	require.NotEmpty(t, got.SessionID)

	_, ok := f.registry.Get(got.SessionID)
	assert.True(t, ok)

	resp = f.do(t, http.MethodPost, "/api/offer/test/solid", control.SessionDescription{Type: "offer"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCombinedOfferFailureCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	f.offerErr = apperr.New(apperr.CodeNegotiationFailed, "bad offer")

	resp := f.do(t, http.MethodPost, "/api/offer/test/solid", testOffer)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, apperr.CodeNegotiationFailed, decode[errorResponse](t, resp).Code)
	assert.Empty(t, f.registry.List())
}

func TestListSessionsAppliesPrivacy(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Privacy = session.PrivacyFilter{MaskPIDs: true, MaskOutput: true, BlockedGames: []string{"test/noisy"}}
	})
	id := f.create(t)
	resp := f.do(t, http.MethodPost, "/api/sessions", createSessionRequest{Kind: "test", Variant: "noisy"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	noisy := decode[sessionResponse](t, resp).SessionID

	resp = f.do(t, http.MethodGet, "/api/sessions", nil)
	list := decode[[]session.SessionState](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Zero(t, list[0].Worker.PID)
	assert.Empty(t, list[0].Worker.LastLine)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+noisy, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTurnCredentials(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/turn-credentials", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	creds := decode[turn.Credentials](t, resp)
	assert.NotEmpty(t, creds.Username)
	assert.NotEmpty(t, creds.Credential)
	require.Len(t, creds.TURNURLs, 1)
	assert.Contains(t, creds.TURNURLs[0], "127.0.0.1:3478")
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HistoryLimit = 2 })
	f.create(t)
	f.create(t)
	f.create(t)

	resp := f.do(t, http.MethodGet, "/api/history", nil)
	assert.Len(t, decode[[]session.Event](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/history?limit=1", nil)
	assert.Len(t, decode[[]session.Event](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AuthToken = "hunter2" })

	resp := f.do(t, http.MethodGet, "/api/games", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/games?token=hunter2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, header := range []struct{ name, value string }{
		{tokenHeader, "hunter2"},
		{"Authorization", "Bearer hunter2"},
	} {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/games", nil)
		require.NoError(t, err)
		req.Header.Set(header.name, header.value)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, header.name)
	}

	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowedOrigins = []string{"https://arcade.example"} })

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://arcade.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://arcade.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), tokenHeader)

	resp = preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCheckOriginDefaults(t *testing.T) {
	s := NewServer(Options{})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1", true},
		{"http://[::1]:3000", true},
		{"http://api.test", true},
		{"https://elsewhere.example", false},
		{"::garbage", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://api.test/api/games", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := securityHeaders(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	checks := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range checks {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, logrus.NewEntry(log))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
