package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
	"github.com/redis/go-redis/v9"
)

// InToolTx replays fn under WATCH until it commits without interference or
// the retry budget runs out. Every committed write bumps the tool's revision
// key, so any two overlapping transactions on one tool serialize.
func (s *Store) InToolTx(ctx context.Context, toolID string, fn func(tx tool.VersionTx) error) error {
	if toolID == "" {
		return tool.Validation("tool id required")
	}
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &versionTx{rtx: rtx, toolID: toolID, updated: map[string]bool{}}
			if err := fn(tx); err != nil {
				return err
			}
			if !tx.dirty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return tx.flush(ctx, pipe)
			})
			return err
		}, toolKey(toolID), toolRevKey(toolID))
		if errors.Is(err, redis.TxFailedErr) {
			logging.Debug("redisstore", "tool transaction retry", "tool_id", toolID, "attempt", attempt)
			continue
		}
		return err
	}
	return tool.Conflictf("tool %s modified concurrently", toolID).With("attempts", s.maxRetries)
}

type versionTx struct {
	rtx    *redis.Tx
	toolID string

	tool       *tool.Tool
	toolLoaded bool
	toolDirty  bool

	versions       map[string]*tool.Version
	versionsLoaded bool
	inserted       []string
	updated        map[string]bool

	lock       *tool.DraftLock
	lockLoaded bool
	lockDirty  bool
}

func (tx *versionTx) dirty() bool {
	return tx.toolDirty || tx.lockDirty || len(tx.inserted) > 0 || len(tx.updated) > 0
}

func (tx *versionTx) Tool(ctx context.Context) (*tool.Tool, error) {
	if !tx.toolLoaded {
		var t tool.Tool
		if err := getJSON(ctx, tx.rtx, toolKey(tx.toolID), &t); err != nil {
			return nil, notFound(err, "tool %s not found", tx.toolID)
		}
		tx.tool = &t
		tx.toolLoaded = true
	}
	out := *tx.tool
	return &out, nil
}

func (tx *versionTx) loadVersions(ctx context.Context) error {
	if tx.versionsLoaded {
		return nil
	}
	tx.versions = map[string]*tool.Version{}
	ids, err := tx.rtx.ZRange(ctx, toolVersionsKey(tx.toolID), 0, -1).Result()
	if err != nil {
		return tool.Wrap(err, "list versions of %s", tx.toolID)
	}
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = versionKey(id)
		}
		vals, err := tx.rtx.MGet(ctx, keys...).Result()
		if err != nil {
			return tool.Wrap(err, "load versions of %s", tx.toolID)
		}
		for i, raw := range vals {
			str, ok := raw.(string)
			if !ok {
				return tool.Internal("version %s indexed but missing", ids[i])
			}
			var v tool.Version
			if err := json.Unmarshal([]byte(str), &v); err != nil {
				return tool.Wrap(err, "decode version %s", ids[i])
			}
			tx.versions[v.ID] = &v
		}
	}
	tx.versionsLoaded = true
	return nil
}

func (tx *versionTx) Version(ctx context.Context, id string) (*tool.Version, error) {
	if err := tx.loadVersions(ctx); err != nil {
		return nil, err
	}
	v, ok := tx.versions[id]
	if !ok {
		return nil, tool.NotFound("version %s not found for tool %s", id, tx.toolID)
	}
	return v.Clone(), nil
}

func (tx *versionTx) DraftHead(ctx context.Context) (*tool.Version, error) {
	if err := tx.loadVersions(ctx); err != nil {
		return nil, err
	}
	var head *tool.Version
	for _, v := range tx.versions {
		if v.State == tool.StateDraft && (head == nil || v.Number > head.Number) {
			head = v
		}
	}
	return head.Clone(), nil
}

func (tx *versionTx) ActiveVersion(ctx context.Context) (*tool.Version, error) {
	t, err := tx.Tool(ctx)
	if err != nil {
		return nil, err
	}
	if t.ActiveVersionID == "" {
		return nil, nil
	}
	v, err := tx.Version(ctx, t.ActiveVersionID)
	if tool.IsCode(err, tool.CodeNotFound) {
		return nil, tool.Internal("tool %s points at missing version %s", tx.toolID, t.ActiveVersionID)
	}
	return v, err
}

func (tx *versionTx) NextVersionNumber(ctx context.Context) (int64, error) {
	if err := tx.loadVersions(ctx); err != nil {
		return 0, err
	}
	var max int64
	for _, v := range tx.versions {
		if v.Number > max {
			max = v.Number
		}
	}
	return max + 1, nil
}

func (tx *versionTx) DraftLock(ctx context.Context) (*tool.DraftLock, error) {
	if !tx.lockLoaded {
		var l tool.DraftLock
		err := getJSON(ctx, tx.rtx, toolLockKey(tx.toolID), &l)
		switch {
		case errors.Is(err, redis.Nil):
			tx.lock = nil
		case err != nil:
			return nil, tool.Wrap(err, "load draft lock of %s", tx.toolID)
		default:
			tx.lock = &l
		}
		tx.lockLoaded = true
	}
	if tx.lock == nil {
		return nil, nil
	}
	out := *tx.lock
	return &out, nil
}

func (tx *versionTx) InsertVersion(ctx context.Context, v *tool.Version) error {
	if err := tx.loadVersions(ctx); err != nil {
		return err
	}
	if v.ToolID != tx.toolID {
		return tool.Internal("version %s belongs to tool %s, not %s", v.ID, v.ToolID, tx.toolID)
	}
	if _, exists := tx.versions[v.ID]; exists {
		return tool.Internal("version %s already exists", v.ID)
	}
	for _, existing := range tx.versions {
		if existing.Number == v.Number {
			return tool.Conflict("version number taken", v.Number, existing.ID)
		}
	}
	tx.versions[v.ID] = v.Clone()
	tx.inserted = append(tx.inserted, v.ID)
	return nil
}

func (tx *versionTx) UpdateVersion(ctx context.Context, v *tool.Version) error {
	if err := tx.loadVersions(ctx); err != nil {
		return err
	}
	existing, ok := tx.versions[v.ID]
	if !ok {
		return tool.NotFound("version %s not found for tool %s", v.ID, tx.toolID)
	}
	if !existing.SameContent(v) {
		return tool.Internal("version %s is immutable outside state and stamps", v.ID)
	}
	tx.versions[v.ID] = v.Clone()
	tx.updated[v.ID] = true
	return nil
}

func (tx *versionTx) UpdateTool(ctx context.Context, t *tool.Tool) error {
	if t.ID != tx.toolID {
		return tool.Internal("tool %s updated inside transaction for %s", t.ID, tx.toolID)
	}
	if _, err := tx.Tool(ctx); err != nil {
		return err
	}
	out := *t
	tx.tool = &out
	tx.toolDirty = true
	return nil
}

func (tx *versionTx) PutDraftLock(ctx context.Context, l *tool.DraftLock) error {
	if l.ToolID != tx.toolID {
		return tool.Internal("lock for tool %s written inside transaction for %s", l.ToolID, tx.toolID)
	}
	out := *l
	tx.lock = &out
	tx.lockLoaded = true
	tx.lockDirty = true
	return nil
}

func (tx *versionTx) DeleteDraftLock(context.Context) error {
	tx.lock = nil
	tx.lockLoaded = true
	tx.lockDirty = true
	return nil
}

func (tx *versionTx) flush(ctx context.Context, pipe redis.Pipeliner) error {
	if tx.toolDirty {
		data, err := mustJSON(tx.tool)
		if err != nil {
			return err
		}
		pipe.Set(ctx, toolKey(tx.toolID), data, 0)
	}
	inserted := map[string]bool{}
	for _, id := range tx.inserted {
		v := tx.versions[id]
		data, err := mustJSON(v)
		if err != nil {
			return err
		}
		pipe.Set(ctx, versionKey(id), data, 0)
		pipe.ZAdd(ctx, toolVersionsKey(tx.toolID), redis.Z{Score: float64(v.Number), Member: id})
		inserted[id] = true
	}
	updated := make([]string, 0, len(tx.updated))
	for id := range tx.updated {
		if !inserted[id] {
			updated = append(updated, id)
		}
	}
	sort.Strings(updated)
	for _, id := range updated {
		data, err := mustJSON(tx.versions[id])
		if err != nil {
			return err
		}
		pipe.Set(ctx, versionKey(id), data, 0)
	}
	if tx.lockDirty {
		if tx.lock == nil {
			pipe.Del(ctx, toolLockKey(tx.toolID))
		} else {
			data, err := mustJSON(tx.lock)
			if err != nil {
				return err
			}
			pipe.Set(ctx, toolLockKey(tx.toolID), data, 0)
		}
	}
	pipe.Incr(ctx, toolRevKey(tx.toolID))
	return nil
}

// GetVersion loads one version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*tool.Version, error) {
	var v tool.Version
	if err := getJSON(ctx, s.client, versionKey(id), &v); err != nil {
		return nil, notFound(err, "version %s not found", id)
	}
	return &v, nil
}

// ListVersions returns a tool's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, toolID string) ([]*tool.Version, error) {
	exists, err := s.client.Exists(ctx, toolKey(toolID)).Result()
	if err != nil {
		return nil, tool.Wrap(err, "check tool %s", toolID)
	}
	if exists == 0 {
		return nil, tool.NotFound("tool %s not found", toolID)
	}
	ids, err := s.client.ZRevRange(ctx, toolVersionsKey(toolID), 0, -1).Result()
	if err != nil {
		return nil, tool.Wrap(err, "list versions of %s", toolID)
	}
	if len(ids) == 0 {
		return []*tool.Version{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, versionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, tool.Wrap(err, "load versions of %s", toolID)
	}
	out := make([]*tool.Version, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			return nil, tool.Internal("version %s indexed but missing", ids[i])
		}
		var v tool.Version
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", ids[i], err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// GetDraftHead returns the tool's DRAFT row or nil.
func (s *Store) GetDraftHead(ctx context.Context, toolID string) (*tool.Version, error) {
	versions, err := s.ListVersions(ctx, toolID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.State == tool.StateDraft {
			return v, nil
		}
	}
	return nil, nil
}

// GetDraftLock returns the stored lock row, live or not, or nil.
func (s *Store) GetDraftLock(ctx context.Context, toolID string) (*tool.DraftLock, error) {
	var l tool.DraftLock
	err := getJSON(ctx, s.client, toolLockKey(toolID), &l)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, tool.Wrap(err, "load draft lock of %s", toolID)
	}
	return &l, nil
}
