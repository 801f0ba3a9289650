package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/registry"
)

// createScheduleRequest is the JSON body for POST /v1/schedules. Either
// Cron or DelayMS/EveryMS describes the recurrence; Cron wins when both
// are set.
type createScheduleRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	DelayMS  int64           `json:"delay_ms"`
	EveryMS  int64           `json:"every_ms"`
	Cron     string          `json:"cron"`
}

// scheduleResponse acknowledges a created schedule.
type scheduleResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Kind string `json:"kind"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.DelayMS < 0 || req.EveryMS < 0 {
		s.writeError(w, http.StatusBadRequest, "delay_ms and every_ms must be non-negative")
		return
	}

	if req.Cron != "" {
		entryID, err := s.disp.ScheduleCron(req.Cron, req.Type, req.Payload, req.Priority)
		if err != nil {
			if errors.Is(err, registry.ErrNoHandler) {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}

		id := model.NewID()
		s.mu.Lock()
		s.crons[id] = entryID
		s.mu.Unlock()

		s.writeJSON(w, http.StatusCreated, scheduleResponse{ID: id, Type: req.Type, Kind: "cron"})
		return
	}

	task, err := s.disp.Schedule(req.Type, req.Payload,
		time.Duration(req.DelayMS)*time.Millisecond,
		time.Duration(req.EveryMS)*time.Millisecond,
		req.Priority,
	)
	if err != nil {
		if errors.Is(err, registry.ErrNoHandler) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	s.mu.Lock()
	s.schedules[task.ID] = task
	s.mu.Unlock()

	s.writeJSON(w, http.StatusCreated, scheduleResponse{ID: task.ID, Type: req.Type, Kind: "interval"})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	task, okTask := s.schedules[id]
	entryID, okCron := s.crons[id]
	delete(s.schedules, id)
	delete(s.crons, id)
	s.mu.Unlock()

	switch {
	case okTask:
		s.disp.CancelSchedule(task)
	case okCron:
		s.disp.CancelCron(entryID)
	default:
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}
