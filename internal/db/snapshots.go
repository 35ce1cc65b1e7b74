package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tensora-ai/densityview/internal/pipeline"
)

// Publish stores snap as the area's last successful snapshot. Other states
// are ignored so a failed refresh never replaces a good grid.
func (db *DB) Publish(ctx context.Context, snap *pipeline.Snapshot) error {
	if snap == nil || snap.State != pipeline.StateSuccess {
		return nil
	}
	return db.SaveSnapshot(ctx, snap)
}

// SaveSnapshot stores snap as the area's snapshot, replacing any previous one.
func (db *DB) SaveSnapshot(ctx context.Context, snap *pipeline.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.RunID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (
			area_id, run_id, token, focus_unix_nanos, published_unix_nanos, payload
		) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.AreaID, snap.RunID, int64(snap.Token), toNanos(snap.Focus), toNanos(snap.PublishedAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for area %s: %w", snap.AreaID, err)
	}
	return nil
}

// LatestSnapshot returns the stored snapshot for areaID, or ErrNoSnapshot.
func (db *DB) LatestSnapshot(ctx context.Context, areaID string) (*pipeline.Snapshot, error) {
	var payload string
	err := db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE area_id = ?`, areaID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for area %s", ErrNoSnapshot, areaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for area %s: %w", areaID, err)
	}

	var snap pipeline.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for area %s: %w", areaID, err)
	}
	return &snap, nil
}
