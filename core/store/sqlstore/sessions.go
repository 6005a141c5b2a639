package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cordum/toolforge/core/tool"
)

const sessionColumns = `id, tool_id, user_id, context, state, state_rev, created_at, updated_at`

const sessionWhere = ` WHERE tool_id = ? AND user_id = ? AND context = ?`

func (s *Store) GetOrCreateSession(ctx context.Context, key tool.SessionKey, id string, now time.Time) (*tool.Session, error) {
	var out *tool.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, '{}', 0, ?, ?)
			ON CONFLICT(tool_id, user_id, context) DO NOTHING`,
			id, key.ToolID, key.UserID, key.Context, ts, ts,
		); err != nil {
			return tool.Wrap(err, "create session")
		}
		var err error
		out, err = getSession(ctx, tx, key)
		return err
	})
	return out, err
}

func (s *Store) GetSession(ctx context.Context, key tool.SessionKey) (*tool.Session, error) {
	return getSession(ctx, s.db, key)
}

// CompareAndSetState is a single conditional UPDATE; zero affected rows
// means either a missing row or a stale revision.
func (s *Store) CompareAndSetState(ctx context.Context, key tool.SessionKey, expectedRev int64, state *tool.Object, now time.Time) (*tool.Session, error) {
	data, err := state.MarshalJSON()
	if err != nil {
		return nil, tool.Wrap(err, "encode session state")
	}
	var out *tool.Session
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tool_sessions SET state = ?, state_rev = state_rev + 1, updated_at = ?`+sessionWhere+` AND state_rev = ?`,
			string(data), formatTime(now), key.ToolID, key.UserID, key.Context, expectedRev,
		)
		if err != nil {
			return tool.Wrap(err, "update session state")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var current int64
			err := tx.QueryRowContext(ctx, `SELECT state_rev FROM tool_sessions`+sessionWhere,
				key.ToolID, key.UserID, key.Context).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return tool.NotFound("session %s/%s/%s not found", key.ToolID, key.UserID, key.Context)
			}
			if err != nil {
				return tool.Wrap(err, "load session revision")
			}
			return tool.Conflict("session state revision mismatch", expectedRev, current)
		}
		out, err = getSession(ctx, tx, key)
		return err
	})
	return out, err
}

func (s *Store) ClearState(ctx context.Context, key tool.SessionKey, resetRev bool, now time.Time) (*tool.Session, error) {
	query := `UPDATE tool_sessions SET state = '{}', updated_at = ?` + sessionWhere
	if resetRev {
		query = `UPDATE tool_sessions SET state = '{}', state_rev = 0, updated_at = ?` + sessionWhere
	}
	var out *tool.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, formatTime(now), key.ToolID, key.UserID, key.Context)
		if err != nil {
			return tool.Wrap(err, "clear session state")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tool.NotFound("session %s/%s/%s not found", key.ToolID, key.UserID, key.Context)
		}
		out, err = getSession(ctx, tx, key)
		return err
	})
	return out, err
}

func getSession(ctx context.Context, q queryer, key tool.SessionKey) (*tool.Session, error) {
	var (
		sess                        tool.Session
		state, createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tool_sessions`+sessionWhere,
		key.ToolID, key.UserID, key.Context).
		Scan(&sess.ID, &sess.ToolID, &sess.UserID, &sess.Context, &state, &sess.StateRev, &createdAt, &updatedAt)
	if err != nil {
		return nil, rowErr(err, "session %s/%s/%s not found", key.ToolID, key.UserID, key.Context)
	}
	if sess.State, err = tool.ParseObject([]byte(state)); err != nil {
		return nil, tool.Wrap(err, "decode session state")
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}
