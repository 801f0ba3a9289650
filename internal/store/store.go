package store

import (
	"context"

	"github.com/sdewitt/kiln/internal/model"
)

// SnapshotStats holds aggregate statistics over persisted snapshots.
type SnapshotStats struct {
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgAttempts   float64        `json:"avg_attempts"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Submitter accepts a message for execution. The dispatcher satisfies it;
// Replay depends on this interface rather than the dispatcher itself.
type Submitter interface {
	Submit(ctx context.Context, msg *model.Message) (string, error)
}

// Store defines the persistence operations for terminal result snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, res *model.Result) error
	GetSnapshot(ctx context.Context, id string) (*model.Result, error)
	ListSnapshots(ctx context.Context, limit, offset int) ([]*model.Result, int, error)
	Stats(ctx context.Context) (*SnapshotStats, error)
	Replay(ctx context.Context, sub Submitter, limit int) ([]string, error)
	Close() error
}
