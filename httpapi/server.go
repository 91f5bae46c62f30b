package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pkt.systems/shellwarden/internal/eventbus"
	"pkt.systems/shellwarden/internal/logx"
	"pkt.systems/shellwarden/schema"
)

// maxInputBytes bounds a single /api/input request body.
const maxInputBytes = 64 << 10

// Session is the shell session surface served over HTTP.
type Session interface {
	Latest() (schema.OutputSnapshot, bool)
	ObserveOutput() (<-chan schema.OutputSnapshot, func())
	ClearOutput() error
	SendInput(data []byte) error
	Status() schema.ShellStatus
	OutputBufferSize() int
	NeedsPairing(ctx context.Context) (bool, error)
	SetPairedBefore(ctx context.Context, value bool) error
	OnState(fn func(schema.ShellState))
}

// Server serves the session API.
type Server struct {
	cfg     Config
	session Session
	states  *eventbus.Bus[schema.ShellState]
}

// NewServer constructs an HTTP server. Shell state transitions are relayed
// to stream clients from then on.
func NewServer(cfg Config, session Session) *Server {
	states := eventbus.New[schema.ShellState](nil)
	session.OnState(states.Publish)
	return &Server{cfg: cfg, session: session, states: states}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withRequestLogging)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)
		r.Get("/output", s.handleOutput)
		r.Get("/output/stream", s.handleStream)
		r.Get("/output/ws", s.handleWebSocket)
		r.Post("/output/clear", s.handleClear)
		r.Post("/input", s.handleInput)
		r.Get("/pairing", s.handleGetPairing)
		r.Put("/pairing", s.handleSetPairing)
	})
	return r
}

// StatusPayload is returned by /api/status.
type StatusPayload struct {
	schema.ShellStatus
	BufferBytes int `json:"buffer_bytes"`
}

// PairingPayload is returned by /api/pairing.
type PairingPayload struct {
	NeedsPairing bool `json:"needs_pairing"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"shell":  s.session.Status().State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusPayload{
		ShellStatus: s.session.Status(),
		BufferBytes: s.session.OutputBufferSize(),
	})
}

func (s *Server) handleOutput(w http.ResponseWriter, _ *http.Request) {
	snapshot, _ := s.session.Latest()
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearOutput(); err != nil {
		logx.Ctx(r.Context()).Warn("http clear failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Data string `json:"data"`
	}
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxInputBytes), &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Data == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: data is required", schema.ErrInvalidRequest))
		return
	}
	if err := s.session.SendInput([]byte(payload.Data)); err != nil {
		logx.Ctx(r.Context()).Warn("http input failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	logx.Ctx(r.Context()).Trace("http input forwarded", "bytes", len(payload.Data))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	needs, err := s.session.NeedsPairing(r.Context())
	if err != nil {
		logx.Ctx(r.Context()).Warn("http pairing read failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, PairingPayload{NeedsPairing: needs})
}

func (s *Server) handleSetPairing(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PairedBefore *bool `json:"paired_before"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.PairedBefore == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: paired_before is required", schema.ErrInvalidRequest))
		return
	}
	if err := s.session.SetPairedBefore(r.Context(), *payload.PairedBefore); err != nil {
		logx.Ctx(r.Context()).Warn("http pairing write failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logx.Ctx(r.Context()).Info("pairing flag updated", "paired_before", *payload.PairedBefore)
	s.handleGetPairing(w, r)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(s.cfg.Token)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestToken reads a bearer token, falling back to ?token= for clients
// that cannot set headers (EventSource, browser WebSocket).
func requestToken(r *http.Request) string {
	if value, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(value)
	}
	return r.URL.Query().Get("token")
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
