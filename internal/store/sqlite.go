package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sdewitt/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    id          TEXT PRIMARY KEY,
    message_id  TEXT NOT NULL,
    type        TEXT NOT NULL,
    success     INTEGER NOT NULL,
    payload     BLOB,
    data        BLOB,
    error_kind  TEXT,
    error_desc  TEXT,
    attempts    INTEGER NOT NULL,
    priority    INTEGER NOT NULL,
    timeout_s   INTEGER NOT NULL,
    retry_max   INTEGER NOT NULL,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
)`

// ErrNotFound is returned when a snapshot is not found.
var ErrNotFound = errors.New("snapshot not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Snapshots are keyed by the
// logical task's origin ID, so retried tasks keep a single row that the
// terminal attempt overwrites.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts the terminal result of a logical task.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, res *model.Result) error {
	if res.Message == nil {
		return errors.New("result has no message back-reference")
	}

	var kind, desc string
	if res.Error != nil {
		kind = string(res.Error.Kind)
		desc = res.Error.Description
	}

	msg := res.Message
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (
			id, message_id, type, success, payload, data,
			error_kind, error_desc, attempts, priority, timeout_s,
			retry_max, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			success = excluded.success,
			data = excluded.data,
			error_kind = excluded.error_kind,
			error_desc = excluded.error_desc,
			attempts = excluded.attempts,
			finished_at = excluded.finished_at`,
		msg.Origin(), res.MessageID, res.Type, res.Success, []byte(msg.Payload), []byte(res.Data),
		kind, desc, res.Attempts, msg.Priority, msg.TimeoutS,
		msg.RetryMax, msg.CreatedAt, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by its logical task ID.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Result, error) {
	res, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT id, message_id, type, success, payload, data,
			error_kind, error_desc, attempts, priority, timeout_s,
			retry_max, created_at, finished_at
		FROM snapshots WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return res, nil
}

// ListSnapshots returns a paginated list of snapshots ordered by
// finished_at DESC, along with the total count.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit, offset int) ([]*model.Result, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count snapshots: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, message_id, type, success, payload, data,
			error_kind, error_desc, attempts, priority, timeout_s,
			retry_max, created_at, finished_at
		FROM snapshots ORDER BY finished_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var results []*model.Result
	for rows.Next() {
		res, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan snapshot: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate snapshots: %w", err)
	}

	return results, total, nil
}

// Stats computes aggregate statistics over all snapshots.
func (s *SQLiteStore) Stats(ctx context.Context) (*SnapshotStats, error) {
	stats := &SnapshotStats{CountByType: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(AVG(attempts), 0),
			COALESCE(AVG((julianday(finished_at) - julianday(created_at)) * 86400000), 0)
		FROM snapshots`,
	).Scan(&stats.Total, &stats.Succeeded, &stats.AvgAttempts, &stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate snapshots: %w", err)
	}
	stats.Failed = stats.Total - stats.Succeeded

	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM snapshots GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgType string
		var count int
		if err := rows.Scan(&msgType, &count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.CountByType[msgType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}

	return stats, nil
}

// Replay re-submits the original messages of the most recently failed
// snapshots, up to limit, and returns the new submission IDs. Submissions
// refused by sub are skipped rather than aborting the batch.
func (s *SQLiteStore) Replay(ctx context.Context, sub Submitter, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, type, success, payload, data,
			error_kind, error_desc, attempts, priority, timeout_s,
			retry_max, created_at, finished_at
		FROM snapshots WHERE success = 0
		ORDER BY finished_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select failed snapshots: %w", err)
	}
	defer rows.Close()

	var failed []*model.Result
	for rows.Next() {
		res, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		failed = append(failed, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	var ids []string
	for _, res := range failed {
		tmpl := res.Message
		msg := &model.Message{
			Type:     tmpl.Type,
			Payload:  append(json.RawMessage(nil), tmpl.Payload...),
			Priority: tmpl.Priority,
			TimeoutS: tmpl.TimeoutS,
			RetryMax: tmpl.RetryMax,
		}
		id, err := sub.Submit(ctx, msg)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*model.Result, error) {
	var (
		res     model.Result
		msg     model.Message
		id      string
		kind    string
		desc    string
		payload []byte
		data    []byte
	)

	err := row.Scan(
		&id, &res.MessageID, &res.Type, &res.Success, &payload, &data,
		&kind, &desc, &res.Attempts, &msg.Priority, &msg.TimeoutS,
		&msg.RetryMax, &msg.CreatedAt, &res.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.ID = res.MessageID
	msg.OriginID = id
	msg.Type = res.Type
	msg.Payload = payload
	res.Data = data
	if !res.Success {
		res.Error = &model.TaskError{Kind: model.ErrorKind(kind), Description: desc}
	}
	res.Message = &msg
	return &res, nil
}
