package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/cordum/toolforge/core/tool"
)

const toolColumns = `id, slug, title, category, tags, owner_id, maintainers, is_published, active_version_id, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateTool inserts a catalog row; an existing id is a CONFLICT.
func (s *Store) CreateTool(ctx context.Context, t *tool.Tool) error {
	if t == nil || strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Slug) == "" {
		return tool.Validation("tool id and slug required")
	}
	tags, _ := json.Marshal(t.Tags)
	maintainers, _ := json.Marshal(t.Maintainers)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (`+toolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Slug, t.Title, t.Category, string(tags), t.OwnerID, string(maintainers),
		t.IsPublished, t.ActiveVersionID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return tool.Conflictf("tool %s already exists", t.ID)
	}
	return tool.Wrap(err, "create tool %s", t.ID)
}

func (s *Store) GetTool(ctx context.Context, id string) (*tool.Tool, error) {
	return getTool(ctx, s.db, id)
}

func getTool(ctx context.Context, q queryer, id string) (*tool.Tool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	t, err := scanTool(row)
	if err != nil {
		return nil, rowErr(err, "tool %s not found", id)
	}
	return t, nil
}

func scanTool(row scanner) (*tool.Tool, error) {
	var (
		t                    tool.Tool
		tags, maintainers    string
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.Slug, &t.Title, &t.Category, &tags, &t.OwnerID, &maintainers,
		&t.IsPublished, &t.ActiveVersionID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, tool.Wrap(err, "decode tags of %s", t.ID)
	}
	if err := json.Unmarshal([]byte(maintainers), &t.Maintainers); err != nil {
		return nil, tool.Wrap(err, "decode maintainers of %s", t.ID)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
