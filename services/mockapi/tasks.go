package mockapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gwperf/pkg/task"
)

const tasksPath = "/api/v1/tasks/"

type taskRecord struct {
	id        string
	name      string
	source    task.Resource
	failure   string
	polls     int
	forbidden int
	defect    int
}

type taskBody struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"displayName"`
	State           task.State    `json:"state"`
	ProgressPercent int           `json:"progressPercent"`
	LogMessages     []taskMessage `json:"logMessages"`
	Error           any           `json:"error,omitempty"`
	SourceResource  task.Resource `json:"sourceResource"`
}

type taskMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type serviceError struct {
	ErrorCode string `json:"errorCode"`
	Error     string `json:"error"`
}

// submit registers a task for op and answers with its URI. It reports
// whether the operation is scripted to succeed; the caller applies its
// effect only then. The caller must hold s.mu.
func (s *Server) submit(w http.ResponseWriter, status int, op string, source task.Resource) bool {
	rec := &taskRecord{
		id:        uuid.NewString(),
		name:      op,
		source:    source,
		failure:   s.failures[op],
		forbidden: s.faults.Forbidden,
		defect:    s.faults.KnownDefect,
	}
	s.tasks[rec.id] = rec
	respondJSON(w, status, map[string]string{"taskUri": tasksPath + rec.id})
	return rec.failure == ""
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	if rec.forbidden > 0 {
		rec.forbidden--
		respondError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	if rec.defect > 0 {
		rec.defect--
		respondJSON(w, http.StatusInternalServerError, serviceError{ErrorCode: task.KnownErrorCode, Error: "internal error"})
		return
	}

	body := taskBody{
		ID:             rec.id,
		DisplayName:    rec.name,
		State:          task.StateRunning,
		SourceResource: rec.source,
		LogMessages:    []taskMessage{{Message: rec.name + " started", Timestamp: s.now().UTC().Format("2006-01-02T15:04:05Z")}},
	}
	rec.polls++
	switch {
	case rec.polls <= s.cfg.RunningPolls:
		body.ProgressPercent = 100 * rec.polls / (s.cfg.RunningPolls + 1)
	case rec.failure != "":
		body.State = task.StateFailed
		body.Error = rec.failure
		body.LogMessages = append(body.LogMessages, taskMessage{Message: rec.failure})
	default:
		body.State = task.StateSucceeded
		body.ProgressPercent = 100
	}
	respondJSON(w, http.StatusOK, body)
}
