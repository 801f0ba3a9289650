package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sdewitt/kiln/internal/dispatch"
	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/registry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	// waitBudget bounds how long a blocking request may hold its
	// connection before the server gives up on the result.
	waitBudget = 60 * time.Second
)

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	TimeoutS     *int            `json:"timeout_s"`
	RetryMax     *int            `json:"retry_max"`
	DelayMS      int64           `json:"delay_ms"`
	OnSuccess    string          `json:"on_success"`
	OnFailure    string          `json:"on_failure"`
	AbortOnError bool            `json:"abort_on_error"`

	// Wait makes the request block until the task reaches a terminal
	// result, which is then returned in place of the acknowledgement.
	Wait bool `json:"wait"`
}

// submitTaskResponse acknowledges an accepted submission.
type submitTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	msg := &model.Message{
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		RetryMax:     s.retryMax,
		TimeoutS:     s.timeoutS,
		OnSuccess:    req.OnSuccess,
		OnFailure:    req.OnFailure,
		AbortOnError: req.AbortOnError,
	}
	if req.RetryMax != nil {
		msg.RetryMax = *req.RetryMax
	}
	if req.TimeoutS != nil {
		msg.TimeoutS = *req.TimeoutS
	}
	if req.DelayMS > 0 {
		due := time.Now().Add(time.Duration(req.DelayMS) * time.Millisecond)
		msg.DelayUntil = &due
	}

	id, err := s.disp.Submit(r.Context(), msg)
	if err != nil {
		s.submitError(w, err)
		return
	}

	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, submitTaskResponse{ID: id, Status: model.StatusSubmitted})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), waitBudget)
	defer cancel()

	results, err := s.disp.GetResults(ctx, []string{id}, true)
	if err != nil {
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for result")
		return
	}
	s.writeJSON(w, http.StatusOK, results[id])
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNoHandler):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTimeout):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
	default:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

// getResultsResponse wraps the result map for GET /v1/tasks/results.
type getResultsResponse struct {
	Results map[string]*model.Result `json:"results"`
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	ids := strings.Split(raw, ",")
	block := r.URL.Query().Get("block") == "true"

	ctx := r.Context()
	if block {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitBudget)
		defer cancel()
	}

	results, err := s.disp.GetResults(ctx, ids, block)
	if err != nil {
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for results")
		return
	}
	s.writeJSON(w, http.StatusOK, getResultsResponse{Results: results})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitBudget)
	defer cancel()

	if err := s.disp.Join(ctx); err != nil {
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for pending tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

// typeInfo describes one registered handler type.
type typeInfo struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	regs := s.registry.List()
	infos := make([]typeInfo, 0, len(regs))
	for _, reg := range regs {
		infos = append(infos, typeInfo{Type: reg.Type, Mode: string(reg.Mode)})
	}
	s.writeJSON(w, http.StatusOK, map[string][]typeInfo{"types": infos})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return v
}
