package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/store"
)

// listSnapshotsResponse wraps the paginated snapshot list.
type listSnapshotsResponse struct {
	Snapshots []*model.Result `json:"snapshots"`
	Total     int             `json:"total"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "snapshots are disabled")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	snapshots, total, err := s.store.ListSnapshots(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list snapshots", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}

	if snapshots == nil {
		snapshots = []*model.Result{}
	}

	s.writeJSON(w, http.StatusOK, listSnapshotsResponse{
		Snapshots: snapshots,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "snapshots are disabled")
		return
	}

	id := chi.URLParam(r, "id")

	snap, err := s.store.GetSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.logger.Error("get snapshot", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get snapshot")
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

// replayResponse lists the submission IDs created by a replay.
type replayResponse struct {
	Replayed []string `json:"replayed"`
	Count    int      `json:"count"`
}

func (s *Server) handleReplaySnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "snapshots are disabled")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	ids, err := s.store.Replay(r.Context(), s.disp, limit)
	if err != nil {
		s.logger.Error("replay snapshots", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to replay snapshots")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	s.writeJSON(w, http.StatusOK, replayResponse{Replayed: ids, Count: len(ids)})
}
