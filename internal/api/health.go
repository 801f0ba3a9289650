package api

import "net/http"

type healthResponse struct {
	Status     string `json:"status"`
	Types      int    `json:"types"`
	QueueDepth int    `json:"queue_depth"`
}

// handleHealthz reports liveness plus a glance at the engine: how many
// handler types are registered and how deep the worker queue is. Status
// flips to "stopping" once shutdown has begun so load balancers can
// drain early.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Types:      len(s.registry.List()),
		QueueDepth: s.disp.QueueDepth(),
	}
	if s.disp.Stopping() {
		resp.Status = "stopping"
	}
	s.writeJSON(w, http.StatusOK, resp)
}
