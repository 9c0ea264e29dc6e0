package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"live-relay/internal/events"
	"live-relay/internal/streamerr"
)

const sseKeepAlive = 15 * time.Second

// Handler exposes the control API and the event stream using go-chi.
type Handler struct {
	coord   *Coordinator
	catalog *Catalog
	events  events.Queue
	log     *slog.Logger
}

// NewHandler returns a Handler. catalog may be nil when sources are only
// given inline.
func NewHandler(coord *Coordinator, catalog *Catalog, q events.Queue, log *slog.Logger) *Handler {
	if q == nil {
		q = events.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{coord: coord, catalog: catalog, events: q, log: log}
}

// Routes mounts the control endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/control", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Post("/switch", h.Switch)
		r.Post("/restart", h.Restart)
		r.Post("/cleanup", h.Cleanup)
		r.Get("/status", h.Status)
		r.Get("/sources", h.Sources)
	})
	r.Get("/events", h.Events)
}

// sourceRequest names a catalog entry or carries a source inline.
// Body: {"name": "studio-cam"} or {"source": {"kind": "file", "path": "..."}}.
type sourceRequest struct {
	Name   string  `json:"name"`
	Source *Source `json:"source"`
}

func (h *Handler) resolveSource(r *http.Request) (Source, error) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Source{}, fmt.Errorf("invalid body: %w", err)
	}
	if req.Source != nil {
		return *req.Source, req.Source.Validate()
	}
	if req.Name == "" {
		return Source{}, errors.New("name or source is required")
	}
	src, ok := h.catalog.Lookup(req.Name)
	if !ok {
		return Source{}, fmt.Errorf("unknown source %q", req.Name)
	}
	return src, nil
}

// Start handles POST /control/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	src, err := h.resolveSource(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, "start", h.coord.Start(r.Context(), src))
}

// Switch handles POST /control/switch.
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	src, err := h.resolveSource(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.respond(w, r, "switch", h.coord.SwitchSource(r.Context(), src))
}

// Stop handles POST /control/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "stop", h.coord.Stop(r.Context()))
}

// Restart handles POST /control/restart.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "restart", h.coord.Restart(r.Context()))
}

// Cleanup handles POST /control/cleanup. Files that survived every strategy
// are reported with a 200.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.coord.ForceCleanup(r.Context())
	if err != nil && !errors.Is(err, streamerr.ErrSegmentDeleteExhausted) {
		h.respond(w, r, "cleanup", err)
		return
	}
	if err != nil {
		h.log.Warn("cleanup left files behind", slog.Any("files", report.Failed))
	}
	writeJSON(w, http.StatusOK, report)
}

// Status handles GET /control/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Status(r.Context())
	if err != nil {
		h.respond(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Sources handles GET /control/sources.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	sources := []Source{}
	if h.catalog != nil {
		sources = h.catalog.Sources
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// Events handles GET /events as a server-sent event stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	sub := h.events.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// respond maps the error taxonomy onto status codes.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case errors.Is(err, streamerr.ErrOperationSuperseded):
		writeJSON(w, http.StatusOK, map[string]string{"status": "superseded"})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, streamerr.ErrEncoderSpawn), errors.Is(err, streamerr.ErrNoSupportedFormat), errors.Is(err, errInvalidSource):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, streamerr.ErrInvalidState), errors.Is(err, streamerr.ErrNoContent):
		status = http.StatusConflict
	case errors.Is(err, streamerr.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, streamerr.ErrConnectionRejected):
		status = http.StatusServiceUnavailable
	case r.Context().Err() != nil:
		return
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("control operation failed", slog.String("op", op), slog.String("error", err.Error()))
	} else {
		h.log.Info("control operation refused", slog.String("op", op), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
