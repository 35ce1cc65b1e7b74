package db

import (
	"fmt"

	"github.com/tensora-ai/densityview/internal/pipeline"
)

// DefaultRunLimit caps RecentRuns when no positive limit is given.
const DefaultRunLimit = 100

// RecordRun stores one finished run. Recording the same run twice keeps the
// latest record.
func (db *DB) RecordRun(rec pipeline.RunRecord) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO runs (
			run_id, token, area_id, trigger_kind, target_unix_nanos, state,
			error_kind, message, missing_streams, started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(rec.Token), rec.AreaID, string(rec.Trigger), toNanos(rec.Target), string(rec.State),
		string(rec.ErrorKind), rec.Message, rec.Missing, toNanos(rec.StartedAt), toNanos(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", rec.RunID, err)
	}
	return nil
}

// RecentRuns returns the most recently finished runs, newest first. An empty
// areaID returns runs for every area.
func (db *DB) RecentRuns(areaID string, limit int) ([]pipeline.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	rows, err := db.Query(`
		SELECT run_id, token, area_id, trigger_kind, target_unix_nanos, state,
		       error_kind, message, missing_streams, started_unix_nanos, finished_unix_nanos
		FROM runs
		WHERE ? = '' OR area_id = ?
		ORDER BY finished_unix_nanos DESC, token DESC
		LIMIT ?`, areaID, areaID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.RunRecord
	for rows.Next() {
		var (
			rec                       pipeline.RunRecord
			token                     int64
			trigger, state, errorKind string
			target, started, finished int64
		)
		if err := rows.Scan(
			&rec.RunID, &token, &rec.AreaID, &trigger, &target, &state,
			&errorKind, &rec.Message, &rec.Missing, &started, &finished,
		); err != nil {
			return nil, err
		}
		rec.Token = pipeline.Token(token)
		rec.Trigger = pipeline.TriggerKind(trigger)
		rec.State = pipeline.State(state)
		rec.ErrorKind = pipeline.ErrorKind(errorKind)
		rec.Target = fromNanos(target)
		rec.StartedAt = fromNanos(started)
		rec.FinishedAt = fromNanos(finished)
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns deletes all but the newest keep runs and returns how many rows
// were removed.
func (db *DB) PruneRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := db.Exec(`
		DELETE FROM runs WHERE run_id NOT IN (
			SELECT run_id FROM runs ORDER BY finished_unix_nanos DESC, token DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}
