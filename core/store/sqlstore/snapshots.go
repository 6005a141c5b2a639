package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cordum/toolforge/core/tool"
)

func (s *Store) CreateSnapshot(ctx context.Context, snap *tool.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return tool.Validation("snapshot id required")
	}
	content, err := json.Marshal(snap.Content)
	if err != nil {
		return tool.Wrap(err, "encode snapshot %s", snap.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, tool_id, draft_head_id, created_by_user_id, content, payload_bytes, created_at, expires_at, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ToolID, snap.DraftHeadID, snap.CreatedByUserID, string(content), snap.PayloadBytes,
		formatTime(snap.CreatedAt), formatTime(snap.ExpiresAt), snap.ExpiresAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return tool.Conflictf("snapshot %s already exists", snap.ID)
	}
	return tool.Wrap(err, "create snapshot %s", snap.ID)
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*tool.Snapshot, error) {
	var (
		snap                          tool.Snapshot
		content, createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool_id, draft_head_id, created_by_user_id, content, payload_bytes, created_at, expires_at
		FROM snapshots WHERE id = ?`, id).
		Scan(&snap.ID, &snap.ToolID, &snap.DraftHeadID, &snap.CreatedByUserID, &content, &snap.PayloadBytes, &createdAt, &expiresAt)
	if err != nil {
		return nil, rowErr(err, "snapshot %s not found", id)
	}
	if err := json.Unmarshal([]byte(content), &snap.Content); err != nil {
		return nil, tool.Wrap(err, "decode snapshot %s", id)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if snap.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PurgeExpiredSnapshots deletes every snapshot whose expiry is at or before
// now.
func (s *Store) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE expires_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, tool.Wrap(err, "purge expired snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tool.Wrap(err, "purge expired snapshots")
	}
	return int(n), nil
}
