package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"live-relay/internal/streamerr"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Handler exposes the relay over HTTP using go-chi.
type Handler struct {
	mgr      *Manager
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for mgr. Producers are trusted local clients,
// so any origin is accepted.
func NewHandler(mgr *Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		mgr: mgr,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// IngestRoutes mounts the producer websocket.
func (h *Handler) IngestRoutes(r chi.Router) {
	r.Get("/ingest", h.Ingest)
}

// Routes mounts HLS file serving and the status endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/stream/status", h.StreamStatus)
	r.Post("/stream/cleanup", h.Cleanup)
	r.Get("/hls/*", h.ServeHLS)
}

// Ingest handles GET /ingest?format=<mime>. The request blocks for the life
// of the producer connection.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(MaxMessageSize)

	format := r.URL.Query().Get("format")
	if err := h.mgr.Accept(r.Context(), conn, format); err != nil && !errors.Is(err, streamerr.ErrConnectionRejected) {
		h.log.Warn("producer connection ended with error", slog.String("error", err.Error()))
	}
}

// ServeHLS handles GET /hls/*: the manifest and segment files with caching
// disabled.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch path.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", playlistContentType)
	case ".ts":
		w.Header().Set("Content-Type", segmentContentType)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	http.ServeFile(w, r, path.Join(h.mgr.store.Dir(), name))
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StreamStatus handles GET /stream/status.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Status())
}

// Cleanup handles POST /stream/cleanup. Files left behind are reported but do
// not fail the request.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.mgr.ForceCleanup(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, streamerr.ErrSegmentDeleteExhausted):
		h.log.Warn("cleanup left files behind", slog.Any("files", report.Failed))
	default:
		h.log.Error("cleanup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
