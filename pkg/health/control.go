package health

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/executor"
	"github.com/speedrun-hq/bridge-relayer/pkg/queue"
	"github.com/speedrun-hq/bridge-relayer/pkg/relayer"
)

// controlResponse is the body of the lifecycle routes
type controlResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message,omitempty"`
	Status    string  `json:"status,omitempty"`
	StartTime *string `json:"startTime,omitempty"`
	StopTime  *string `json:"stopTime,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// statusResponse is the body of GET /relayer/status
type statusResponse struct {
	Success   bool    `json:"success"`
	IsRunning bool    `json:"isRunning"`
	Status    string  `json:"status"`
	StartTime *string `json:"startTime"`
	Uptime    int64   `json:"uptime"`
}

func timestamp(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Controller.Start(r.Context())
	switch {
	case errors.Is(err, relayer.ErrAlreadyRunning):
		st := s.opts.Controller.Status()
		writeJSON(w, s.opts.Logger, http.StatusBadRequest, controlResponse{
			Message:   "Relayer is already running",
			Status:    "already_running",
			StartTime: timestamp(st.StartTime),
		})
	case errors.Is(err, relayer.ErrTransitionInProgress):
		writeJSON(w, s.opts.Logger, http.StatusConflict, controlResponse{
			Message: "Relayer is starting or stopping",
			Status:  s.opts.Controller.State().String(),
		})
	case err != nil:
		writeJSON(w, s.opts.Logger, http.StatusInternalServerError, controlResponse{
			Message: "Failed to start relayer service",
			Error:   err.Error(),
		})
	default:
		writeJSON(w, s.opts.Logger, http.StatusOK, controlResponse{
			Success:   true,
			Message:   "Relayer service started successfully",
			Status:    "started",
			StartTime: timestamp(res.StartTime),
		})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Controller.Stop(r.Context())
	switch {
	case errors.Is(err, relayer.ErrNotRunning):
		writeJSON(w, s.opts.Logger, http.StatusBadRequest, controlResponse{
			Message: "Relayer is not running",
			Status:  "not_running",
		})
	case errors.Is(err, relayer.ErrTransitionInProgress):
		writeJSON(w, s.opts.Logger, http.StatusConflict, controlResponse{
			Message: "Relayer is starting or stopping",
			Status:  s.opts.Controller.State().String(),
		})
	case err != nil:
		writeJSON(w, s.opts.Logger, http.StatusInternalServerError, controlResponse{
			Message: "Failed to stop relayer service",
			Error:   err.Error(),
		})
	default:
		writeJSON(w, s.opts.Logger, http.StatusOK, controlResponse{
			Success:  true,
			Message:  "Relayer service stopped successfully",
			Status:   "stopped",
			StopTime: timestamp(res.StopTime),
		})
	}
}

func (s *Server) handleRelayerStatus(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Controller.Status()
	writeJSON(w, s.opts.Logger, http.StatusOK, statusResponse{
		Success:   true,
		IsRunning: st.IsRunning(),
		Status:    st.State.String(),
		StartTime: timestamp(st.StartTime),
		Uptime:    int64(st.Uptime.Seconds()),
	})
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := mux.Vars(r)["queue"]
	q, ok := s.queues[name]
	if !ok {
		http.Error(w, "Unknown queue "+name, http.StatusNotFound)
	}
	return q, ok
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}

	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	letters, err := q.ListDead(r.Context(), limit)
	if err != nil {
		s.opts.Logger.Error("Failed to list dead letters of %s: %v", q.Name(), err)
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	writeJSON(w, s.opts.Logger, http.StatusOK, letters)
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	err := executor.RequeueDead(r.Context(), q, s.opts.Store, id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "No dead letter "+id, http.StatusNotFound)
		return
	}
	if errors.Is(err, executor.ErrRequeueRefused) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.opts.Logger.Error("Failed to requeue %s on %s: %v", id, q.Name(), err)
		http.Error(w, "Failed to requeue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.opts.Logger, http.StatusOK, map[string]interface{}{"success": true, "id": id, "queue": q.Name()})
}

// handleRecord returns the dedup record and last error of a key such as deposit:0xaa..
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	body := map[string]interface{}{"key": key}
	record, err := s.opts.Store.Lookup(r.Context(), key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		body["record"] = record
	}

	detail, err := s.opts.Store.LastError(r.Context(), key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		body["lastError"] = detail
	}

	if len(body) == 1 {
		writeJSON(w, s.opts.Logger, http.StatusNotFound, body)
		return
	}
	writeJSON(w, s.opts.Logger, http.StatusOK, body)
}
