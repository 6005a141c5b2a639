package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/cordum/toolforge/core/tool"
)

const defaultRunListLimit = 50

const runColumns = `id, tool_id, version_id, snapshot_id, context, user_id, action_id, status,
	started_at, finished_at, stdout, stderr, artifacts, ui_payload`

func (s *Store) CreateRun(ctx context.Context, r *tool.Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	artifacts, err := json.Marshal(r.Artifacts)
	if err != nil {
		return tool.Wrap(err, "encode artifacts of %s", r.ID)
	}
	payload, err := json.Marshal(r.UIPayload)
	if err != nil {
		return tool.Wrap(err, "encode ui payload of %s", r.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`, started_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToolID, r.VersionID, r.SnapshotID, string(r.Context), r.UserID, r.ActionID, string(r.Status),
		formatTime(*r.StartedAt), formatTime(*r.FinishedAt), r.Stdout, r.Stderr, string(artifacts), string(payload),
		r.StartedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return tool.Conflictf("run %s already exists", r.ID)
	}
	return tool.Wrap(err, "create run %s", r.ID)
}

func (s *Store) GetRun(ctx context.Context, id string) (*tool.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, rowErr(err, "run %s not found", id)
	}
	return r, nil
}

// ListRuns returns the most recent runs of a tool, newest first.
func (s *Store) ListRuns(ctx context.Context, toolID string, limit int64) ([]*tool.Run, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tool_id = ? ORDER BY started_at_ms DESC LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, tool.Wrap(err, "list runs of %s", toolID)
	}
	defer rows.Close()
	out := []*tool.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, tool.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, tool.Wrap(rows.Err(), "list runs of %s", toolID)
}

func scanRun(row scanner) (*tool.Run, error) {
	var (
		r                                     tool.Run
		runCtx, status, startedAt, finishedAt string
		artifacts, payload                    string
	)
	if err := row.Scan(&r.ID, &r.ToolID, &r.VersionID, &r.SnapshotID, &runCtx, &r.UserID, &r.ActionID, &status,
		&startedAt, &finishedAt, &r.Stdout, &r.Stderr, &artifacts, &payload); err != nil {
		return nil, err
	}
	r.Context = tool.RunContext(runCtx)
	r.Status = tool.RunStatus(status)
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, tool.Wrap(err, "decode artifacts of %s", r.ID)
	}
	if err := json.Unmarshal([]byte(payload), &r.UIPayload); err != nil {
		return nil, tool.Wrap(err, "decode ui payload of %s", r.ID)
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	finished, err := parseTime(finishedAt)
	if err != nil {
		return nil, err
	}
	r.StartedAt, r.FinishedAt = &started, &finished
	return &r, nil
}
