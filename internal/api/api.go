// Package api exposes the worker's admin HTTP surface: health, a snapshot
// of running supervisions, cancellation, and a WebSocket feed of log lines.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/popqq/windmill/internal/pool"
)

// Server holds the API's dependencies.
type Server struct {
	pool      *pool.Pool
	wsHandler http.HandlerFunc
}

// New creates a Server. wsHandler may be nil to omit the /ws route.
func New(p *pool.Pool, wsHandler http.HandlerFunc) *Server {
	return &Server{pool: p, wsHandler: wsHandler}
}

// Router returns the chi router with every route registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/supervisions", s.handleListSupervisions)
	r.Post("/supervisions/{id}/cancel", s.handleCancel)

	if s.wsHandler != nil {
		r.Get("/ws", s.wsHandler)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"active": s.pool.ActiveCount(),
		"size":   s.pool.Size(),
	})
}

type supervisionView struct {
	JobID      string    `json:"job_id"`
	ScriptPath string    `json:"script_path"`
	StartedAt  time.Time `json:"started_at"`
}

func (s *Server) handleListSupervisions(w http.ResponseWriter, r *http.Request) {
	statuses := s.pool.Statuses()
	out := make([]supervisionView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, supervisionView{
			JobID:      st.JobID.String(),
			ScriptPath: st.ScriptPath,
			StartedAt:  st.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id: "+err.Error())
		return
	}

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // best-effort; empty body is fine
	}
	if req.By == "" {
		req.By = "api"
	}
	if req.Reason == "" {
		req.Reason = "canceled via admin API"
	}

	if err := s.pool.Cancel(r.Context(), id, req.By, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
