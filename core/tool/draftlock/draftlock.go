// Package draftlock manages the per-tool advisory edit lock. A tool has at
// most one lock row; a row whose expiry has passed is treated as absent.
package draftlock

import (
	"context"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/tool"
)

const DefaultTTL = 15 * time.Minute

// Store is the persistence the lock service needs.
type Store interface {
	tool.ToolCatalog
	tool.VersionStore
}

// View is a lock as seen by one actor.
type View struct {
	Lock    *tool.DraftLock `json:"lock"`
	IsOwner bool            `json:"is_owner"`
	IsLive  bool            `json:"is_live"`
}

func newView(l *tool.DraftLock, actor tool.Actor, now time.Time) *View {
	return &View{
		Lock:    l,
		IsOwner: l != nil && l.LockedByUserID == actor.UserID,
		IsLive:  l.Live(now),
	}
}

// Service implements acquire, release and inspection of draft locks.
type Service struct {
	store   Store
	clock   tool.Clock
	ttl     time.Duration
	events  tool.EventPublisher
	metrics metrics.Metrics
}

type Option func(*Service)

func WithClock(c tool.Clock) Option { return func(s *Service) { s.clock = c } }

func WithEvents(p tool.EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTTL sets how long an acquired lock stays live.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clock:   tool.SystemClock{},
		ttl:     DefaultTTL,
		events:  tool.NopPublisher{},
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL reports the lease length applied on acquire.
func (s *Service) TTL() time.Duration { return s.ttl }

// Acquire takes, refreshes or (with force, for admins) steals the lock on
// toolID. draftHeadID must be the tool's current draft head.
func (s *Service) Acquire(ctx context.Context, actor tool.Actor, toolID, draftHeadID string, force bool) (view *View, err error) {
	defer func() { s.metrics.IncCommand("acquire_draft_lock", tool.ResultCode(err)) }()
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var (
		lock     *tool.DraftLock
		previous string
	)
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		t, err := tx.Tool(ctx)
		if err != nil {
			return err
		}
		if err := actor.RequireMaintainer(t); err != nil {
			return err
		}
		head, err := tx.DraftHead(ctx)
		if err != nil {
			return err
		}
		if err := CheckHead(head, draftHeadID); err != nil {
			return err
		}
		current, err := tx.DraftLock(ctx)
		if err != nil {
			return err
		}
		lock, previous, err = next(current, actor, draftHeadID, force, now, s.ttl)
		if err != nil {
			return err
		}
		lock.ToolID = toolID
		return tx.PutDraftLock(ctx, lock)
	})
	if err != nil {
		return nil, err
	}

	evType := tool.EventLockAcquired
	if lock.ForcedByUserID != "" && previous != "" {
		evType = tool.EventLockForced
		logging.Warn("draftlock", "lock taken over", "tool_id", toolID, "previous_owner", previous, "forced_by", actor.UserID)
	} else {
		logging.Debug("draftlock", "lock acquired", "tool_id", toolID, "owner", actor.UserID, "expires_at", lock.ExpiresAt)
	}
	tool.Emit(ctx, s.events, tool.Event{
		Type:      evType,
		ToolID:    toolID,
		VersionID: draftHeadID,
		ActorID:   actor.UserID,
		At:        now,
		Data:      map[string]any{"expires_at": lock.ExpiresAt, "previous_owner": previous},
	})
	return newView(lock, actor, now), nil
}

// next decides the lock row after an acquire attempt. previous is the user
// displaced by a forced takeover.
func next(current *tool.DraftLock, actor tool.Actor, draftHeadID string, force bool, now time.Time, ttl time.Duration) (*tool.DraftLock, string, error) {
	fresh := &tool.DraftLock{
		DraftHeadID:    draftHeadID,
		LockedByUserID: actor.UserID,
		LockedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}
	switch {
	case !current.Live(now):
		return fresh, "", nil
	case current.LockedByUserID == actor.UserID:
		refreshed := *current
		refreshed.DraftHeadID = draftHeadID
		refreshed.ExpiresAt = now.Add(ttl)
		return &refreshed, "", nil
	case force && actor.Role.AtLeast(tool.RoleAdmin):
		fresh.ForcedByUserID = actor.UserID
		return fresh, current.LockedByUserID, nil
	}
	return nil, "", heldBy(current)
}

func heldBy(l *tool.DraftLock) error {
	return tool.Forbidden("draft is locked by %s", l.LockedByUserID).
		With("locked_by", l.LockedByUserID).
		With("expires_at", l.ExpiresAt)
}

// Release drops the lock. Owners and admins may release; a missing or
// expired lock is a no-op.
func (s *Service) Release(ctx context.Context, actor tool.Actor, toolID string) (err error) {
	defer func() { s.metrics.IncCommand("release_draft_lock", tool.ResultCode(err)) }()
	if err := actor.Require(tool.RoleContributor); err != nil {
		return err
	}
	now := s.clock.Now()
	var released *tool.DraftLock
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		released = nil
		if _, err := tx.Tool(ctx); err != nil {
			return err
		}
		current, err := tx.DraftLock(ctx)
		if err != nil || current == nil {
			return err
		}
		if current.Live(now) && current.LockedByUserID != actor.UserID && !actor.Role.AtLeast(tool.RoleAdmin) {
			return heldBy(current)
		}
		if current.Live(now) {
			released = current
		}
		return tx.DeleteDraftLock(ctx)
	})
	if err != nil || released == nil {
		return err
	}
	logging.Debug("draftlock", "lock released", "tool_id", toolID, "owner", released.LockedByUserID, "by", actor.UserID)
	tool.Emit(ctx, s.events, tool.Event{
		Type:      tool.EventLockReleased,
		ToolID:    toolID,
		VersionID: released.DraftHeadID,
		ActorID:   actor.UserID,
		At:        now,
	})
	return nil
}

// Get returns the tool's lock as seen by actor; Lock is nil when none was
// ever taken or it was released.
func (s *Service) Get(ctx context.Context, actor tool.Actor, toolID string) (*View, error) {
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTool(ctx, toolID); err != nil {
		return nil, err
	}
	l, err := s.store.GetDraftLock(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return newView(l, actor, s.clock.Now()), nil
}

// Validate is the mutation guard: CONFLICT without a live lock, FORBIDDEN
// when someone else holds it.
func Validate(l *tool.DraftLock, actor tool.Actor, now time.Time) error {
	if !l.Live(now) {
		return tool.Conflictf("no live draft lock; acquire one first")
	}
	if l.LockedByUserID != actor.UserID {
		return heldBy(l)
	}
	return nil
}

// CheckHead fails CONFLICT unless head is the DRAFT version draftHeadID.
func CheckHead(head *tool.Version, draftHeadID string) error {
	if head == nil {
		return tool.Conflict("tool has no draft head", draftHeadID, nil)
	}
	if head.ID != draftHeadID {
		return tool.Conflict("stale draft head", draftHeadID, head.ID)
	}
	return nil
}
