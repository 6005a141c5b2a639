package redisstore

import (
	"context"
	"strings"

	"github.com/cordum/toolforge/core/tool"
	"github.com/redis/go-redis/v9"
)

// CreateTool inserts a catalog row; an existing id is a CONFLICT.
func (s *Store) CreateTool(ctx context.Context, t *tool.Tool) error {
	if t == nil || strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Slug) == "" {
		return tool.Validation("tool id and slug required")
	}
	data, err := mustJSON(t)
	if err != nil {
		return err
	}
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, toolKey(t.ID), data, 0)
		pipe.ZAdd(ctx, toolsIndexKey, redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})
		return nil
	})
	if err != nil {
		return tool.Wrap(err, "create tool %s", t.ID)
	}
	if !created.Val() {
		return tool.Conflictf("tool %s already exists", t.ID)
	}
	return nil
}

func (s *Store) GetTool(ctx context.Context, id string) (*tool.Tool, error) {
	var t tool.Tool
	if err := getJSON(ctx, s.client, toolKey(id), &t); err != nil {
		return nil, notFound(err, "tool %s not found", id)
	}
	return &t, nil
}
