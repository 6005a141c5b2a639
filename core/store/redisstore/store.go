// Package redisstore implements the tool store ports on Redis. Tool-scoped
// transactions use WATCH on a per-tool revision key with MULTI/EXEC writes;
// sessions use Lua scripts for atomic compare-and-set.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cordum/toolforge/core/infra/redisutil"
	"github.com/cordum/toolforge/core/tool"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTxMaxRetries  = 8
	defaultSnapshotGrace = 10 * time.Minute

	toolsIndexKey       = "tools:index"
	snapshotExpiryIndex = "snapshot:expiry"
)

// Store implements tool.Store.
type Store struct {
	client        *redis.Client
	maxRetries    int
	snapshotGrace time.Duration
}

var _ tool.Store = (*Store)(nil)

// Option tweaks a Store.
type Option func(*Store)

// WithMaxRetries bounds how often a tool transaction is replayed after a
// concurrent writer invalidated it.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithSnapshotGrace sets how long a snapshot key outlives its logical
// expiry before Redis evicts it.
func WithSnapshotGrace(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.snapshotGrace = d
		}
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, maxRetries: defaultTxMaxRetries, snapshotGrace: defaultSnapshotGrace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStore connects to url and returns a store.
func NewRedisStore(ctx context.Context, url string, opts ...Option) (*Store, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(client, opts...), nil
}

// Close shuts down the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func toolKey(id string) string         { return "tool:" + id }
func toolRevKey(id string) string      { return "tool:" + id + ":rev" }
func toolVersionsKey(id string) string { return "tool:" + id + ":versions" }
func toolLockKey(id string) string     { return "tool:" + id + ":draft_lock" }
func toolRunsKey(id string) string     { return "tool:" + id + ":runs" }
func versionKey(id string) string      { return "version:" + id }
func snapshotKey(id string) string     { return "snapshot:" + id }
func runKey(id string) string          { return "run:" + id }

func sessionKey(k tool.SessionKey) string {
	return "session:" + url.QueryEscape(k.ToolID) + ":" + url.QueryEscape(k.UserID) + ":" + url.QueryEscape(k.Context)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, cmd getter, key string, out any) error {
	data, err := cmd.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func mustJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, tool.Wrap(err, "encode record")
	}
	return data, nil
}

// notFound maps redis.Nil to a NOT_FOUND and wraps anything else.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, redis.Nil) {
		return tool.NotFound(format, args...)
	}
	return tool.Wrap(err, format, args...)
}
