package tool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/google/uuid"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// IDGenerator mints identifiers for new rows.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random UUIDv4 strings.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// VersionTx is a unit of work scoped to one tool. Reads observe earlier
// writes in the same unit; nothing is visible to others until the callback
// returns nil.
type VersionTx interface {
	Tool(ctx context.Context) (*Tool, error)
	Version(ctx context.Context, id string) (*Version, error)
	// DraftHead returns the tool's DRAFT row, or nil when there is none.
	DraftHead(ctx context.Context) (*Version, error)
	// ActiveVersion follows the tool's pointer; nil when unset.
	ActiveVersion(ctx context.Context) (*Version, error)
	NextVersionNumber(ctx context.Context) (int64, error)
	// DraftLock returns the stored lock row, live or not, or nil.
	DraftLock(ctx context.Context) (*DraftLock, error)

	InsertVersion(ctx context.Context, v *Version) error
	// UpdateVersion persists state and stamp changes only.
	UpdateVersion(ctx context.Context, v *Version) error
	UpdateTool(ctx context.Context, t *Tool) error
	PutDraftLock(ctx context.Context, l *DraftLock) error
	DeleteDraftLock(ctx context.Context) error
}

// ToolCatalog owns tool rows.
type ToolCatalog interface {
	CreateTool(ctx context.Context, t *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
}

// VersionStore is the versioned-row repository.
type VersionStore interface {
	// InToolTx runs fn atomically against toolID. fn may be invoked more
	// than once when a concurrent writer wins; it must not have side effects
	// outside tx.
	InToolTx(ctx context.Context, toolID string, fn func(tx VersionTx) error) error
	GetVersion(ctx context.Context, id string) (*Version, error)
	ListVersions(ctx context.Context, toolID string) ([]*Version, error)
	GetDraftHead(ctx context.Context, toolID string) (*Version, error)
	GetDraftLock(ctx context.Context, toolID string) (*DraftLock, error)
}

// SnapshotStore keeps frozen sandbox content.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int, error)
}

// SessionStore keeps session rows and applies compare-and-set updates.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, key SessionKey, id string, now time.Time) (*Session, error)
	GetSession(ctx context.Context, key SessionKey) (*Session, error)
	// CompareAndSetState writes state and bumps the revision only when the
	// stored revision equals expectedRev. A mismatch is a CONFLICT whose
	// details carry expected and current.
	CompareAndSetState(ctx context.Context, key SessionKey, expectedRev int64, state *Object, now time.Time) (*Session, error)
	ClearState(ctx context.Context, key SessionKey, resetRev bool, now time.Time) (*Session, error)
}

// RunStore keeps run records.
type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, toolID string, limit int64) ([]*Run, error)
}

// Store is everything a backend provides.
type Store interface {
	ToolCatalog
	VersionStore
	SnapshotStore
	SessionStore
	RunStore
	Close() error
}

// ExecRequest is handed to the executor outside any transaction.
type ExecRequest struct {
	RunID      string     `json:"run_id"`
	ToolID     string     `json:"tool_id"`
	VersionID  string     `json:"version_id,omitempty"`
	SnapshotID string     `json:"snapshot_id,omitempty"`
	Context    RunContext `json:"context"`
	UserID     string     `json:"user_id"`
	ActionID   string     `json:"action_id,omitempty"`
	Content    Content    `json:"content"`
	Input      *Object    `json:"input"`
	State      *Object    `json:"state"`
	Settings   *Object    `json:"settings,omitempty"`
	Files      []FileRef  `json:"files,omitempty"`
}

// ExecResult is what a finished execution reports.
type ExecResult struct {
	Status    RunStatus  `json:"status"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	UIPayload UIPayload  `json:"ui_payload"`
}

// Executor runs tool content. A SERVICE_UNAVAILABLE error means it is at
// capacity and nothing ran.
type Executor interface {
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)
}

// Event is a best-effort notification emitted after a commit.
type Event struct {
	Type      string         `json:"type"`
	ToolID    string         `json:"tool_id"`
	VersionID string         `json:"version_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

const (
	EventDraftCreated     = "tool.version.created"
	EventDraftSaved       = "tool.version.saved"
	EventSubmitted        = "tool.version.submitted"
	EventPublished        = "tool.version.published"
	EventChangesRequested = "tool.version.changes_requested"
	EventRolledBack       = "tool.version.rolled_back"
	EventLockAcquired     = "tool.lock.acquired"
	EventLockForced       = "tool.lock.forced"
	EventLockReleased     = "tool.lock.released"
	EventRunFinished      = "tool.run.finished"
)

// EventPublisher delivers events. Failures never fail the command.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes ev on pub, logging instead of returning a failure.
func Emit(ctx context.Context, pub EventPublisher, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logging.Warn("events", "publish failed", "type", ev.Type, "tool_id", ev.ToolID, "error", err)
	}
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// SubmissionValidator vets catalog metadata before a draft enters review.
type SubmissionValidator interface {
	ValidateSubmission(ctx context.Context, t *Tool) error
}

// TaxonomyValidator requires a real slug and a category.
type TaxonomyValidator struct{}

func (TaxonomyValidator) ValidateSubmission(_ context.Context, t *Tool) error {
	if t == nil {
		return Validation("tool missing")
	}
	slug := strings.TrimSpace(t.Slug)
	if slug == "" || IsPlaceholderSlug(slug) {
		return Validation("tool %s needs a real slug before review", t.ID).With("field", "slug")
	}
	if strings.TrimSpace(t.Category) == "" {
		return Validation("tool %s needs a category before review", t.ID).With("field", "category")
	}
	return nil
}

// IsPlaceholderSlug reports slugs minted for untitled tools.
func IsPlaceholderSlug(slug string) bool {
	slug = strings.ToLower(slug)
	return strings.HasPrefix(slug, "untitled") || strings.HasPrefix(slug, "new-tool") || strings.HasPrefix(slug, "draft-")
}
