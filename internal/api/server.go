// Package api is the front-facing HTTP surface: game catalog, session
// lifecycle, parameters, liveness and history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/session"
	"github.com/dweam-team/world-arcade/internal/turn"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Sessions is the session registry as seen by the HTTP layer.
// *session.Registry satisfies it.
type Sessions interface {
	Create(ctx context.Context, kind, variant string) (session.SessionState, error)
	HandleOffer(ctx context.Context, id string, offer control.SessionDescription) (control.SessionDescription, error)
	UpdateParams(ctx context.Context, id string, params json.RawMessage) error
	GetParamsSchema(ctx context.Context, id string) (json.RawMessage, error)
	SchemaFor(ctx context.Context, kind, variant string) (json.RawMessage, error)
	Heartbeat(id string) bool
	Stop(ctx context.Context, id string) error
	Get(id string) (session.SessionState, bool)
	List() []session.SessionState
	ActiveCount() int
}

// History lists recorded lifecycle events, newest first.
type History interface {
	List(ctx context.Context, sessionID string, limit int) ([]session.Event, error)
}

type Options struct {
	Sessions       Sessions
	Games          *game.Registry
	History        History
	HistoryLimit   int
	Turn           turn.Issuer
	Privacy        session.PrivacyFilter
	AuthToken      string
	AllowedOrigins []string
	Log            *logrus.Entry
}

type Server struct {
	sessions       Sessions
	games          *game.Registry
	history        History
	historyLimit   int
	turn           turn.Issuer
	privacy        session.PrivacyFilter
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            *logrus.Entry
	started        time.Time
}

func NewServer(opts Options) *Server {
	if opts.Games == nil {
		opts.Games = game.Default
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		sessions:       opts.Sessions,
		games:          opts.Games,
		history:        opts.History,
		historyLimit:   opts.HistoryLimit,
		turn:           opts.Turn,
		privacy:        opts.Privacy,
		authToken:      opts.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            opts.Log,
		started:        time.Now(),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Handler returns the routed handler with CORS and security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return traced(securityHeaders(s.cors(mux)))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /api/games", s.authed(s.handleGames))
	mux.HandleFunc("GET /api/games/{kind}", s.authed(s.handleGamesByKind))
	mux.HandleFunc("GET /api/games/{kind}/{variant}", s.authed(s.handleGame))
	mux.HandleFunc("GET /api/games/{kind}/{variant}/params/schema", s.authed(s.handleGameSchema))

	mux.HandleFunc("POST /api/offer/{kind}/{variant}", s.authed(s.handleOfferNew))

	mux.HandleFunc("GET /api/sessions", s.authed(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.authed(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/{id}", s.authed(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.authed(s.handleStopSession))
	mux.HandleFunc("POST /api/sessions/{id}/offer", s.authed(s.handleOffer))
	mux.HandleFunc("POST /api/sessions/{id}/params", s.authed(s.handleUpdateParams))
	mux.HandleFunc("GET /api/sessions/{id}/params/schema", s.authed(s.handleSessionSchema))
	mux.HandleFunc("POST /api/sessions/{id}/heartbeat", s.authed(s.handleHeartbeat))

	mux.HandleFunc("GET /api/turn-credentials", s.authed(s.handleTurnCredentials))
	mux.HandleFunc("GET /api/history", s.authed(s.handleHistory))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type statusResponse struct {
	IsLoading      bool    `json:"is_loading"`
	ActiveSessions int     `json:"active_sessions"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ActiveSessions: s.sessions.ActiveCount(),
		UptimeSeconds:  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleGames(w http.ResponseWriter, _ *http.Request) {
	catalog := make(map[string]map[string]game.Info)
	for _, info := range s.games.Catalog() {
		if catalog[info.Kind] == nil {
			catalog[info.Kind] = make(map[string]game.Info)
		}
		catalog[info.Kind][info.Variant] = info
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleGamesByKind(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	var infos []game.Info
	for _, info := range s.games.Catalog() {
		if info.Kind == kind {
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		writeError(w, apperr.New(apperr.CodeUnknownGame, "game kind not found"))
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	entry, err := s.games.Lookup(r.PathValue("kind"), r.PathValue("variant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry.Info)
}

func (s *Server) handleGameSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.sessions.SchemaFor(r.Context(), r.PathValue("kind"), r.PathValue("variant"))
	if err != nil {
		s.log.WithError(err).Error("get parameter schema")
		writeError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, schema)
}

type createSessionRequest struct {
	Kind    string `json:"kind"`
	Variant string `json:"variant"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Variant   string `json:"variant"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" || req.Variant == "" {
		writeError(w, apperr.New(apperr.CodeInvalidRequest, "kind and variant are required"))
		return
	}
	st, err := s.sessions.Create(r.Context(), req.Kind, req.Variant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: st.ID, Kind: st.Kind, Variant: st.Variant})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.privacy.FilterSlice(s.sessions.List()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sessions.Get(r.PathValue("id"))
	if !ok || !s.privacy.IsAllowed(st.Kind, st.Variant) {
		writeError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(st))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeOffer(w http.ResponseWriter, r *http.Request) (control.SessionDescription, error) {
	var offer control.SessionDescription
	if err := decodeJSON(w, r, &offer); err != nil {
		return offer, err
	}
	if offer.SDP == "" || offer.Type == "" {
		return offer, apperr.New(apperr.CodeInvalidRequest, "sdp and type are required")
	}
	return offer, nil
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := decodeOffer(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	answer, err := s.sessions.HandleOffer(r.Context(), r.PathValue("id"), offer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type offerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// handleOfferNew creates a session and answers its first offer in one call.
func (s *Server) handleOfferNew(w http.ResponseWriter, r *http.Request) {
	offer, err := decodeOffer(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.sessions.Create(r.Context(), r.PathValue("kind"), r.PathValue("variant"))
	if err != nil {
		writeError(w, err)
		return
	}
	answer, err := s.sessions.HandleOffer(r.Context(), st.ID, offer)
	if err != nil {
		s.log.WithError(err).WithField("session_id", st.ID).Error("start game worker")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{SDP: answer.SDP, Type: answer.Type, SessionID: st.ID})
}

type paramsRequest struct {
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.UpdateParams(r.Context(), r.PathValue("id"), req.Params); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleSessionSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.sessions.GetParamsSchema(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, schema)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Heartbeat(r.PathValue("id")) {
		writeError(w, apperr.New(apperr.CodeSessionNotFound, "session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	writeJSON(w, http.StatusOK, s.turn.Issue(host))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []session.Event{})
		return
	}
	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apperr.New(apperr.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, s.historyLimit)
	}
	events, err := s.history.List(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		s.log.WithError(err).Error("list history")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperr.Wrap(apperr.CodeInvalidRequest, "request body too large", err)
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}

type errorResponse struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
