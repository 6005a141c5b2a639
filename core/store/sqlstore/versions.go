package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cordum/toolforge/core/tool"
)

const versionColumns = `id, tool_id, version_number, state, content, content_hash, derived_from_version_id,
	created_by_user_id, created_at, submitted_for_review_by, submitted_for_review_at,
	reviewed_by, reviewed_at, published_by, published_at, change_summary, review_note`

const lockColumns = `tool_id, draft_head_id, locked_by_user_id, locked_at, expires_at, forced_by_user_id`

// InToolTx runs fn inside one immediate transaction. SQLite takes the write
// lock at BEGIN, so fn never needs replaying.
func (s *Store) InToolTx(ctx context.Context, toolID string, fn func(tx tool.VersionTx) error) error {
	if toolID == "" {
		return tool.Validation("tool id required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&versionTx{tx: tx, toolID: toolID})
	})
}

type versionTx struct {
	tx     *sql.Tx
	toolID string
}

func (vt *versionTx) Tool(ctx context.Context) (*tool.Tool, error) {
	return getTool(ctx, vt.tx, vt.toolID)
}

func (vt *versionTx) Version(ctx context.Context, id string) (*tool.Version, error) {
	row := vt.tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM tool_versions WHERE id = ? AND tool_id = ?`, id, vt.toolID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, rowErr(err, "version %s not found for tool %s", id, vt.toolID)
	}
	return v, nil
}

func (vt *versionTx) DraftHead(ctx context.Context) (*tool.Version, error) {
	return draftHead(ctx, vt.tx, vt.toolID)
}

func (vt *versionTx) ActiveVersion(ctx context.Context) (*tool.Version, error) {
	t, err := vt.Tool(ctx)
	if err != nil {
		return nil, err
	}
	if t.ActiveVersionID == "" {
		return nil, nil
	}
	v, err := vt.Version(ctx, t.ActiveVersionID)
	if tool.IsCode(err, tool.CodeNotFound) {
		return nil, tool.Internal("tool %s points at missing version %s", vt.toolID, t.ActiveVersionID)
	}
	return v, err
}

func (vt *versionTx) NextVersionNumber(ctx context.Context) (int64, error) {
	var max int64
	err := vt.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM tool_versions WHERE tool_id = ?`, vt.toolID).Scan(&max)
	if err != nil {
		return 0, tool.Wrap(err, "next version number of %s", vt.toolID)
	}
	return max + 1, nil
}

func (vt *versionTx) DraftLock(ctx context.Context) (*tool.DraftLock, error) {
	return draftLock(ctx, vt.tx, vt.toolID)
}

func (vt *versionTx) InsertVersion(ctx context.Context, v *tool.Version) error {
	if v.ToolID != vt.toolID {
		return tool.Internal("version %s belongs to tool %s, not %s", v.ID, v.ToolID, vt.toolID)
	}
	content, err := json.Marshal(v.Content)
	if err != nil {
		return tool.Wrap(err, "encode content of %s", v.ID)
	}
	_, err = vt.tx.ExecContext(ctx,
		`INSERT INTO tool_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ToolID, v.Number, string(v.State), string(content), v.ContentHash, v.DerivedFromVersionID,
		v.CreatedByUserID, formatTime(v.CreatedAt), v.SubmittedForReviewBy, formatTimePtr(v.SubmittedForReviewAt),
		v.ReviewedBy, formatTimePtr(v.ReviewedAt), v.PublishedBy, formatTimePtr(v.PublishedAt),
		v.ChangeSummary, v.ReviewNote,
	)
	if isUniqueViolation(err) {
		return tool.Conflictf("version %s (number %d, state %s) collides with an existing row", v.ID, v.Number, v.State)
	}
	return tool.Wrap(err, "insert version %s", v.ID)
}

func (vt *versionTx) UpdateVersion(ctx context.Context, v *tool.Version) error {
	existing, err := vt.Version(ctx, v.ID)
	if err != nil {
		return err
	}
	if !existing.SameContent(v) {
		return tool.Internal("version %s is immutable outside state and stamps", v.ID)
	}
	_, err = vt.tx.ExecContext(ctx,
		`UPDATE tool_versions SET state = ?, submitted_for_review_by = ?, submitted_for_review_at = ?,
			reviewed_by = ?, reviewed_at = ?, published_by = ?, published_at = ?, change_summary = ?, review_note = ?
		WHERE id = ? AND tool_id = ?`,
		string(v.State), v.SubmittedForReviewBy, formatTimePtr(v.SubmittedForReviewAt),
		v.ReviewedBy, formatTimePtr(v.ReviewedAt), v.PublishedBy, formatTimePtr(v.PublishedAt),
		v.ChangeSummary, v.ReviewNote, v.ID, vt.toolID,
	)
	if isUniqueViolation(err) {
		return tool.Conflictf("version %s cannot enter state %s", v.ID, v.State)
	}
	return tool.Wrap(err, "update version %s", v.ID)
}

func (vt *versionTx) UpdateTool(ctx context.Context, t *tool.Tool) error {
	if t.ID != vt.toolID {
		return tool.Internal("tool %s updated inside transaction for %s", t.ID, vt.toolID)
	}
	tags, _ := json.Marshal(t.Tags)
	maintainers, _ := json.Marshal(t.Maintainers)
	res, err := vt.tx.ExecContext(ctx,
		`UPDATE tools SET slug = ?, title = ?, category = ?, tags = ?, owner_id = ?, maintainers = ?,
			is_published = ?, active_version_id = ?, updated_at = ?
		WHERE id = ?`,
		t.Slug, t.Title, t.Category, string(tags), t.OwnerID, string(maintainers),
		t.IsPublished, t.ActiveVersionID, formatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return tool.Wrap(err, "update tool %s", t.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tool.NotFound("tool %s not found", t.ID)
	}
	return nil
}

func (vt *versionTx) PutDraftLock(ctx context.Context, l *tool.DraftLock) error {
	if l.ToolID != vt.toolID {
		return tool.Internal("lock for tool %s written inside transaction for %s", l.ToolID, vt.toolID)
	}
	_, err := vt.tx.ExecContext(ctx,
		`INSERT INTO draft_locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool_id) DO UPDATE SET draft_head_id = excluded.draft_head_id,
			locked_by_user_id = excluded.locked_by_user_id, locked_at = excluded.locked_at,
			expires_at = excluded.expires_at, forced_by_user_id = excluded.forced_by_user_id`,
		l.ToolID, l.DraftHeadID, l.LockedByUserID, formatTime(l.LockedAt), formatTime(l.ExpiresAt), l.ForcedByUserID,
	)
	return tool.Wrap(err, "put draft lock of %s", vt.toolID)
}

func (vt *versionTx) DeleteDraftLock(ctx context.Context) error {
	_, err := vt.tx.ExecContext(ctx, `DELETE FROM draft_locks WHERE tool_id = ?`, vt.toolID)
	return tool.Wrap(err, "delete draft lock of %s", vt.toolID)
}

// GetVersion loads one version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*tool.Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM tool_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if err != nil {
		return nil, rowErr(err, "version %s not found", id)
	}
	return v, nil
}

// ListVersions returns a tool's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, toolID string) ([]*tool.Version, error) {
	if _, err := s.GetTool(ctx, toolID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM tool_versions WHERE tool_id = ? ORDER BY version_number DESC`, toolID)
	if err != nil {
		return nil, tool.Wrap(err, "list versions of %s", toolID)
	}
	defer rows.Close()
	out := []*tool.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, tool.Wrap(err, "scan version")
		}
		out = append(out, v)
	}
	return out, tool.Wrap(rows.Err(), "list versions of %s", toolID)
}

// GetDraftHead returns the tool's DRAFT row or nil.
func (s *Store) GetDraftHead(ctx context.Context, toolID string) (*tool.Version, error) {
	return draftHead(ctx, s.db, toolID)
}

// GetDraftLock returns the stored lock row, live or not, or nil.
func (s *Store) GetDraftLock(ctx context.Context, toolID string) (*tool.DraftLock, error) {
	return draftLock(ctx, s.db, toolID)
}

func draftHead(ctx context.Context, q queryer, toolID string) (*tool.Version, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM tool_versions WHERE tool_id = ? AND state = ?
		ORDER BY version_number DESC LIMIT 1`, toolID, string(tool.StateDraft))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, tool.Wrap(err, "load draft head of %s", toolID)
	}
	return v, nil
}

func draftLock(ctx context.Context, q queryer, toolID string) (*tool.DraftLock, error) {
	var (
		l                   tool.DraftLock
		lockedAt, expiresAt string
	)
	err := q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM draft_locks WHERE tool_id = ?`, toolID).
		Scan(&l.ToolID, &l.DraftHeadID, &l.LockedByUserID, &lockedAt, &expiresAt, &l.ForcedByUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, tool.Wrap(err, "load draft lock of %s", toolID)
	}
	if l.LockedAt, err = parseTime(lockedAt); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanVersion(row scanner) (*tool.Version, error) {
	var (
		v                                    tool.Version
		state, content, createdAt            string
		submittedAt, reviewedAt, publishedAt sql.NullString
	)
	if err := row.Scan(&v.ID, &v.ToolID, &v.Number, &state, &content, &v.ContentHash, &v.DerivedFromVersionID,
		&v.CreatedByUserID, &createdAt, &v.SubmittedForReviewBy, &submittedAt,
		&v.ReviewedBy, &reviewedAt, &v.PublishedBy, &publishedAt, &v.ChangeSummary, &v.ReviewNote); err != nil {
		return nil, err
	}
	v.State = tool.State(state)
	if err := json.Unmarshal([]byte(content), &v.Content); err != nil {
		return nil, tool.Wrap(err, "decode content of %s", v.ID)
	}
	var err error
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if v.SubmittedForReviewAt, err = parseTimePtr(submittedAt); err != nil {
		return nil, err
	}
	if v.ReviewedAt, err = parseTimePtr(reviewedAt); err != nil {
		return nil, err
	}
	if v.PublishedAt, err = parseTimePtr(publishedAt); err != nil {
		return nil, err
	}
	return &v, nil
}
