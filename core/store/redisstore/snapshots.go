package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cordum/toolforge/core/tool"
	"github.com/redis/go-redis/v9"
)

// CreateSnapshot stores s with a key TTL of its lifetime plus the purge
// grace, and indexes it by logical expiry for the reaper.
func (s *Store) CreateSnapshot(ctx context.Context, snap *tool.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return tool.Validation("snapshot id required")
	}
	data, err := mustJSON(snap)
	if err != nil {
		return err
	}
	ttl := snap.ExpiresAt.Sub(snap.CreatedAt) + s.snapshotGrace
	if ttl <= 0 {
		ttl = s.snapshotGrace
	}
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, snapshotKey(snap.ID), data, ttl)
		pipe.ZAdd(ctx, snapshotExpiryIndex, redis.Z{Score: float64(snap.ExpiresAt.UnixMilli()), Member: snap.ID})
		return nil
	})
	if err != nil {
		return tool.Wrap(err, "create snapshot %s", snap.ID)
	}
	if !created.Val() {
		return tool.Conflictf("snapshot %s already exists", snap.ID)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*tool.Snapshot, error) {
	var snap tool.Snapshot
	if err := getJSON(ctx, s.client, snapshotKey(id), &snap); err != nil {
		return nil, notFound(err, "snapshot %s not found", id)
	}
	return &snap, nil
}

// PurgeExpiredSnapshots deletes every snapshot whose expiry is at or before
// now and returns how many index entries were removed.
func (s *Store) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, snapshotExpiryIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, tool.Wrap(err, "scan expired snapshots")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = snapshotKey(id)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, snapshotExpiryIndex, members...)
		return nil
	})
	if err != nil {
		return 0, tool.Wrap(err, "purge expired snapshots")
	}
	return len(ids), nil
}
