package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartRun records a running sync and returns its id.
func (s *Store) StartRun(ctx context.Context, community, syncType, triggeredBy string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, community, sync_type, triggered_by, status, started_at)
		VALUES (?, ?, ?, ?, 'running', ?)`,
		id, community, syncType, triggeredBy, startedAt.UTC().Format(runTimeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("recording sync run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run. A nil runErr marks it succeeded.
func (s *Store) FinishRun(ctx context.Context, id string, items int, runErr error) error {
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, items_synced = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		status, items, msg, time.Now().UTC().Format(runTimeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRuns returns the newest runs, optionally for one community.
func (s *Store) RecentRuns(ctx context.Context, community string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if community != "" {
		q += ` WHERE community = ?`
		args = append(args, community)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the newest run for (community, syncType).
func (s *Store) LastRun(ctx context.Context, community, syncType string) (SyncRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE community = ? AND sync_type = ?
		ORDER BY started_at DESC LIMIT 1`, community, syncType))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, ErrNotFound
	}
	return r, err
}

// runTimeLayout has fixed-width fractions so text order matches time order.
const runTimeLayout = "2006-01-02T15:04:05.000Z07:00"

const runColumns = `id, community, sync_type, triggered_by, status, items_synced, error, started_at, finished_at`

func scanRun(row rowScanner) (SyncRun, error) {
	var r SyncRun
	var startedAt string
	var errMsg, finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Community, &r.SyncType, &r.TriggeredBy, &r.Status,
		&r.ItemsSynced, &errMsg, &startedAt, &finishedAt); err != nil {
		return SyncRun{}, err
	}
	r.Error = errMsg.String
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return SyncRun{}, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
	}
	r.StartedAt = t
	if finishedAt.Valid {
		ft, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return SyncRun{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
		}
		r.FinishedAt = &ft
	}
	return r, nil
}
