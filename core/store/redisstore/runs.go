package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cordum/toolforge/core/tool"
	"github.com/redis/go-redis/v9"
)

const defaultRunListLimit = 50

func (s *Store) CreateRun(ctx context.Context, r *tool.Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := mustJSON(r)
	if err != nil {
		return err
	}
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, runKey(r.ID), data, 0)
		pipe.ZAdd(ctx, toolRunsKey(r.ToolID), redis.Z{Score: float64(r.StartedAt.UnixMilli()), Member: r.ID})
		return nil
	})
	if err != nil {
		return tool.Wrap(err, "create run %s", r.ID)
	}
	if !created.Val() {
		return tool.Conflictf("run %s already exists", r.ID)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*tool.Run, error) {
	var r tool.Run
	if err := getJSON(ctx, s.client, runKey(id), &r); err != nil {
		return nil, notFound(err, "run %s not found", id)
	}
	return &r, nil
}

// ListRuns returns the most recent runs of a tool, newest first.
func (s *Store) ListRuns(ctx context.Context, toolID string, limit int64) ([]*tool.Run, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	ids, err := s.client.ZRevRange(ctx, toolRunsKey(toolID), 0, limit-1).Result()
	if err != nil {
		return nil, tool.Wrap(err, "list runs of %s", toolID)
	}
	out := make([]*tool.Run, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, tool.Wrap(err, "load runs of %s", toolID)
	}
	for _, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var r tool.Run
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, tool.Wrap(err, "decode run")
		}
		out = append(out, &r)
	}
	return out, nil
}
