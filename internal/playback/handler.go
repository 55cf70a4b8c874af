package playback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hls-playback/internal/platform/metrics"
	"hls-playback/internal/player"
	"hls-playback/internal/streamerr"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the playback HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the playback endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/play", h.Play)
			r.Post("/pause", h.Pause)
			r.Post("/seek", h.Seek)
		})
	})
	r.Get("/manifests/{handle}", h.GetManifest)
	r.Get("/connectivity", h.GetConnectivity)
	r.Post("/connectivity", h.SetConnectivity)
}

// CreateSession handles POST /sessions.
// Body: { "url": "https://cdn.example.com/show/playlist.m3u8" }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id, err := h.svc.CreateSession(req.URL)
	if err != nil {
		h.writeError(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: id})
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.List())
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Snapshot(sessionID(r))
	if err != nil {
		h.writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteSession handles DELETE /sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(sessionID(r)); err != nil {
		h.writeError(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Play handles POST /sessions/{session_id}/play.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.svc.Play(r.Context(), id); err != nil {
		h.writeError(w, "play", err)
		return
	}
	h.writeSnapshot(w, id)
}

// Pause handles POST /sessions/{session_id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.svc.Pause(id); err != nil {
		h.writeError(w, "pause", err)
		return
	}
	h.writeSnapshot(w, id)
}

// Seek handles POST /sessions/{session_id}/seek.
// Body: { "time": 42.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid seek body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := sessionID(r)
	if err := h.svc.Seek(id, req.Time); err != nil {
		h.writeError(w, "seek", err)
		return
	}
	h.writeSnapshot(w, id)
}

// GetManifest handles GET /manifests/{handle}.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	manifest, ok := h.svc.Manifest(chi.URLParam(r, "handle"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(manifest))
}

// GetConnectivity handles GET /connectivity.
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectivityRequest{Online: h.svc.Online()})
}

// SetConnectivity handles POST /connectivity.
// Body: { "online": false }.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if h.svc.SetOnline(req.Online) {
		h.log.Info("connectivity overridden", slog.Bool("online", req.Online))
	}
	writeJSON(w, http.StatusOK, ConnectivityRequest{Online: h.svc.Online()})
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, id SessionID) {
	view, err := h.svc.Snapshot(id)
	if err != nil {
		h.writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("error", err.Error()))
	} else {
		h.log.Debug(op+" rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}

	resp := errorResponse{Error: err.Error()}
	if kind := streamerr.KindOf(err); kind != streamerr.Unknown {
		resp.Error = streamerr.UserMessage(err)
		resp.Kind = kind.String()
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, player.ErrTornDown):
		return http.StatusNotFound
	case errors.Is(err, player.ErrSessionFailed):
		return http.StatusConflict
	}
	switch streamerr.KindOf(err) {
	case streamerr.InvalidSource:
		return http.StatusBadRequest
	case streamerr.BrowserPolicyBlocked:
		return http.StatusConflict
	case streamerr.Cancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sessionID(r *http.Request) SessionID {
	return SessionID(chi.URLParam(r, "session_id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
