// Package tool holds the domain model shared by the tool version lifecycle,
// draft locking, sandbox snapshots, interactive sessions and the run
// coordinators.
package tool

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a version row.
type State string

const (
	StateDraft    State = "DRAFT"
	StateInReview State = "IN_REVIEW"
	StateActive   State = "ACTIVE"
	StateArchived State = "ARCHIVED"
)

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateInReview, StateActive, StateArchived:
		return true
	}
	return false
}

// Tool is the catalog entry versions hang off. ActiveVersionID is empty when
// the tool has never been published or every version has been archived.
type Tool struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title,omitempty"`
	Category        string    `json:"category,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	OwnerID         string    `json:"owner_id"`
	Maintainers     []string  `json:"maintainers,omitempty"`
	IsPublished     bool      `json:"is_published"`
	ActiveVersionID string    `json:"active_version_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsMaintainer reports whether userID owns or maintains the tool.
func (t *Tool) IsMaintainer(userID string) bool {
	if t == nil || userID == "" {
		return false
	}
	if t.OwnerID == userID {
		return true
	}
	for _, m := range t.Maintainers {
		if m == userID {
			return true
		}
	}
	return false
}

// Content is the executable payload of a version or snapshot.
type Content struct {
	Entrypoint        string          `json:"entrypoint"`
	SourceCode        string          `json:"source_code"`
	SettingsSchema    json.RawMessage `json:"settings_schema,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty"`
	UsageInstructions string          `json:"usage_instructions,omitempty"`
}

// PayloadBytes is the size of the raw content fields, the quantity the
// snapshot cap applies to.
func (c Content) PayloadBytes() int64 {
	return int64(len(c.Entrypoint) + len(c.SourceCode) + len(c.SettingsSchema) +
		len(c.InputSchema) + len(c.UsageInstructions))
}

// Version is an immutable row except for its state and the stamp fields.
type Version struct {
	ID                   string `json:"id"`
	ToolID               string `json:"tool_id"`
	Number               int64  `json:"version_number"`
	State                State  `json:"state"`
	Content              `json:"content"`
	ContentHash          string     `json:"content_hash"`
	DerivedFromVersionID string     `json:"derived_from_version_id,omitempty"`
	CreatedByUserID      string     `json:"created_by_user_id"`
	CreatedAt            time.Time  `json:"created_at"`
	SubmittedForReviewBy string     `json:"submitted_for_review_by,omitempty"`
	SubmittedForReviewAt *time.Time `json:"submitted_for_review_at,omitempty"`
	ReviewedBy           string     `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time `json:"reviewed_at,omitempty"`
	PublishedBy          string     `json:"published_by,omitempty"`
	PublishedAt          *time.Time `json:"published_at,omitempty"`
	ChangeSummary        string     `json:"change_summary,omitempty"`
	ReviewNote           string     `json:"review_note,omitempty"`
}

// Clone returns a copy that can be stamped without touching the original.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.SubmittedForReviewAt = cloneTime(v.SubmittedForReviewAt)
	out.ReviewedAt = cloneTime(v.ReviewedAt)
	out.PublishedAt = cloneTime(v.PublishedAt)
	return &out
}

// SameContent reports whether two rows carry byte-identical content and
// identity, i.e. an update only touched state and stamps.
func (v *Version) SameContent(other *Version) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.ID == other.ID &&
		v.ToolID == other.ToolID &&
		v.Number == other.Number &&
		v.ContentHash == other.ContentHash &&
		v.DerivedFromVersionID == other.DerivedFromVersionID &&
		v.CreatedByUserID == other.CreatedByUserID &&
		v.CreatedAt.Equal(other.CreatedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// DraftLock is the per-tool advisory edit lease. At most one row exists per
// tool; an expired row is logically absent.
type DraftLock struct {
	ToolID         string    `json:"tool_id"`
	DraftHeadID    string    `json:"draft_head_id"`
	LockedByUserID string    `json:"locked_by_user_id"`
	LockedAt       time.Time `json:"locked_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ForcedByUserID string    `json:"forced_by_user_id,omitempty"`
}

// Live reports whether the lock still holds at now.
func (l *DraftLock) Live(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

// Snapshot freezes draft content for one sandbox run.
type Snapshot struct {
	ID              string `json:"id"`
	ToolID          string `json:"tool_id"`
	DraftHeadID     string `json:"draft_head_id"`
	CreatedByUserID string `json:"created_by_user_id"`
	Content         `json:"content"`
	PayloadBytes    int64     `json:"payload_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the snapshot has passed its TTL.
func (s *Snapshot) Expired(now time.Time) bool {
	return s == nil || !s.ExpiresAt.After(now)
}

// SessionKey identifies one session row. Context is an opaque string.
type SessionKey struct {
	ToolID  string `json:"tool_id"`
	UserID  string `json:"user_id"`
	Context string `json:"context"`
}

// Session is the durable interaction state guarded by StateRev.
type Session struct {
	ID string `json:"id"`
	SessionKey
	State     *Object   `json:"state"`
	StateRev  int64     `json:"state_rev"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunContext tells production runs from sandbox runs.
type RunContext string

const (
	RunProduction RunContext = "PRODUCTION"
	RunSandbox    RunContext = "SANDBOX"
)

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// Artifact is a file produced by a run.
type Artifact struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// FileRef is an input file handed to the executor.
type FileRef struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// NextAction is a follow-up the tool offers the user.
type NextAction struct {
	ID          string          `json:"id"`
	Label       string          `json:"label,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// UIPayload is what the executor returns for rendering.
type UIPayload struct {
	Outputs     []Value      `json:"outputs,omitempty"`
	NextActions []NextAction `json:"next_actions,omitempty"`
	State       *Object      `json:"state,omitempty"`
}

// Run is one execution record. Exactly one of VersionID or SnapshotID is set,
// matching Context.
type Run struct {
	ID         string     `json:"id"`
	ToolID     string     `json:"tool_id"`
	VersionID  string     `json:"version_id,omitempty"`
	SnapshotID string     `json:"snapshot_id,omitempty"`
	Context    RunContext `json:"context"`
	UserID     string     `json:"user_id"`
	ActionID   string     `json:"action_id,omitempty"`
	Status     RunStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	UIPayload  UIPayload  `json:"ui_payload"`
}

// Validate checks the persistence invariants of a run.
func (r *Run) Validate() error {
	if r == nil {
		return Internal("run missing")
	}
	if r.StartedAt == nil || r.FinishedAt == nil {
		return Internal("run %s missing timestamps", r.ID)
	}
	switch r.Context {
	case RunProduction:
		if r.VersionID == "" || r.SnapshotID != "" {
			return Internal("production run %s must reference a version only", r.ID)
		}
	case RunSandbox:
		if r.SnapshotID == "" || r.VersionID != "" {
			return Internal("sandbox run %s must reference a snapshot only", r.ID)
		}
	default:
		return Internal("run %s has unknown context %q", r.ID, r.Context)
	}
	switch r.Status {
	case RunSucceeded, RunFailed:
	default:
		return Internal("run %s has unknown status %q", r.ID, r.Status)
	}
	return nil
}
