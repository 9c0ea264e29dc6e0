package history

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the session journal using go-chi.
type Handler struct {
	repo Repository
	log  *slog.Logger
}

func NewHandler(repo Repository, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, log: log}
}

// Routes mounts the journal endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/sessions", h.List)
	r.Get("/sessions/{session_id}", h.Get)
}

// List handles GET /sessions?limit=N.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.log.Debug("invalid limit", slog.String("limit", s))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.repo.List(limit))
}

// Get handles GET /sessions/{session_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec, ok := h.repo.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
