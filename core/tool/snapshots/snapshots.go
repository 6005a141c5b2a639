// Package snapshots freezes draft content for sandbox runs. Snapshots are
// immutable, size-capped and expire after a fixed TTL.
package snapshots

import (
	"context"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/tool"
)

const (
	DefaultTTL      = time.Hour
	DefaultMaxBytes = 1 << 20
)

type Service struct {
	store    tool.SnapshotStore
	clock    tool.Clock
	ids      tool.IDGenerator
	ttl      time.Duration
	maxBytes int64
	metrics  metrics.Metrics
	leader   Leader
}

// Leader gates the reaper so only one replica purges at a time.
type Leader interface {
	Hold(ctx context.Context) (bool, error)
}

type Option func(*Service)

func WithClock(c tool.Clock) Option { return func(s *Service) { s.clock = c } }

func WithIDs(g tool.IDGenerator) Option { return func(s *Service) { s.ids = g } }

func WithMetrics(m metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLeader(l Leader) Option { return func(s *Service) { s.leader = l } }

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxBytes caps the raw content size of a snapshot.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func New(store tool.SnapshotStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    tool.SystemClock{},
		ids:      tool.UUIDGenerator{},
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxBytes,
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists content as a new snapshot of draftHeadID. Oversized
// content is a VALIDATION_ERROR and nothing is written.
func (s *Service) Create(ctx context.Context, toolID, draftHeadID string, content tool.Content, actor tool.Actor) (*tool.Snapshot, error) {
	size := content.PayloadBytes()
	if size > s.maxBytes {
		s.metrics.IncSnapshotRejected("too_large")
		logging.Warn("snapshots", "snapshot rejected", "tool_id", toolID, "actor", actor.UserID, "payload_bytes", size, "max_bytes", s.maxBytes)
		return nil, tool.Validation("snapshot payload of %d bytes exceeds the %d byte limit", size, s.maxBytes).
			With("payload_bytes", size).
			With("max_bytes", s.maxBytes)
	}
	now := s.clock.Now()
	snap := &tool.Snapshot{
		ID:              s.ids.NewID(),
		ToolID:          toolID,
		DraftHeadID:     draftHeadID,
		CreatedByUserID: actor.UserID,
		Content:         content,
		PayloadBytes:    size,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get loads a snapshot for a follow-up action. Missing or expired
// snapshots are NOT_FOUND; one taken from another tool or another draft
// head is a CONFLICT.
func (s *Service) Get(ctx context.Context, snapshotID, toolID, draftHeadID string) (*tool.Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Expired(s.clock.Now()) {
		return nil, tool.NotFound("snapshot %s expired", snapshotID).With("expires_at", snap.ExpiresAt)
	}
	if snap.ToolID != toolID {
		return nil, tool.Conflict("snapshot belongs to another tool", toolID, snap.ToolID)
	}
	if snap.DraftHeadID != draftHeadID {
		return nil, tool.Conflict("snapshot was taken from another draft head", draftHeadID, snap.DraftHeadID)
	}
	return snap, nil
}

// Purge removes every expired snapshot.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpiredSnapshots(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.IncSnapshotsPurged(n)
		logging.Info("snapshots", "expired snapshots purged", "count", n)
	}
	return n, nil
}

// RunReaper purges on every tick until ctx is done. Purge failures are
// logged and retried on the next tick.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.leading(ctx) {
			if _, err := s.Purge(ctx); err != nil {
				logging.Error("snapshots", "purge failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) leading(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	ok, err := s.leader.Hold(ctx)
	if err != nil {
		logging.Warn("snapshots", "reaper lease check failed", "error", err)
		return false
	}
	return ok
}
