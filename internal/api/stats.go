package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	ByType        map[string]int `json:"by_type"`
	AvgAttempts   float64        `json:"avg_attempts"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "snapshots are disabled")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("get snapshot stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		Succeeded:     stats.Succeeded,
		Failed:        stats.Failed,
		ByType:        stats.CountByType,
		AvgAttempts:   stats.AvgAttempts,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
