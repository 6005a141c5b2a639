// Package lifecycle implements the tool version state machine:
// DRAFT -> IN_REVIEW -> ACTIVE -> ARCHIVED, with rollback. Every change
// other than submission stamps the old row, inserts a new one and, where
// relevant, repoints the tool's active version.
package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/infra/schema"
	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/draftlock"
)

// Store is the persistence the lifecycle needs.
type Store interface {
	tool.ToolCatalog
	tool.VersionStore
}

type Service struct {
	store     Store
	clock     tool.Clock
	ids       tool.IDGenerator
	events    tool.EventPublisher
	validator tool.SubmissionValidator
	metrics   metrics.Metrics
	lockTTL   time.Duration
}

type Option func(*Service)

func WithClock(c tool.Clock) Option { return func(s *Service) { s.clock = c } }

func WithIDs(g tool.IDGenerator) Option { return func(s *Service) { s.ids = g } }

func WithEvents(p tool.EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithSubmissionValidator replaces the slug/taxonomy check run on submit.
func WithSubmissionValidator(v tool.SubmissionValidator) Option {
	return func(s *Service) { s.validator = v }
}

// WithLockTTL sets the lease a successful save grants the saver.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		clock:     tool.SystemClock{},
		ids:       tool.UUIDGenerator{},
		events:    tool.NopPublisher{},
		validator: tool.TaxonomyValidator{},
		metrics:   metrics.Noop{},
		lockTTL:   draftlock.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTool describes a catalog entry to create.
type NewTool struct {
	ID          string   `json:"id,omitempty"`
	Slug        string   `json:"slug"`
	Title       string   `json:"title"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Maintainers []string `json:"maintainers,omitempty"`
}

// CreateTool seeds a catalog row owned by actor.
func (s *Service) CreateTool(ctx context.Context, actor tool.Actor, req NewTool) (t *tool.Tool, err error) {
	defer s.observe("create_tool", &err)
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		return nil, tool.Validation("slug required").With("field", "slug")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.ids.NewID()
	}
	now := s.clock.Now()
	t = &tool.Tool{
		ID:          id,
		Slug:        slug,
		Title:       strings.TrimSpace(req.Title),
		Category:    strings.TrimSpace(req.Category),
		Tags:        req.Tags,
		OwnerID:     actor.UserID,
		Maintainers: req.Maintainers,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTool(ctx, t); err != nil {
		return nil, err
	}
	logging.Info("lifecycle", "tool created", "tool_id", t.ID, "slug", t.Slug, "owner", actor.UserID)
	return t, nil
}

// CreateDraft opens the tool's draft head. It fails CONFLICT when a draft
// already exists.
func (s *Service) CreateDraft(ctx context.Context, actor tool.Actor, toolID, derivedFrom string, content tool.Content, changeSummary string) (v *tool.Version, err error) {
	defer s.observe("create_draft", &err)
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	if err := CheckContent(content); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		if _, err := maintainedTool(ctx, tx, actor); err != nil {
			return err
		}
		head, err := tx.DraftHead(ctx)
		if err != nil {
			return err
		}
		if head != nil {
			return tool.Conflict("tool already has a draft", nil, head.ID)
		}
		if derivedFrom != "" {
			if _, err := tx.Version(ctx, derivedFrom); err != nil {
				return err
			}
		}
		number, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		v = s.newVersion(toolID, number, tool.StateDraft, content, derivedFrom, actor.UserID, now)
		v.ChangeSummary = changeSummary
		return tx.InsertVersion(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventDraftCreated, v, actor, now, nil)
	logging.Info("lifecycle", "draft created", "tool_id", toolID, "version_id", v.ID, "number", v.Number, "actor", actor.UserID)
	return v, nil
}

// SaveDraft is the input to SaveDraft.
type SaveDraft struct {
	VersionID               string       `json:"version_id"`
	ExpectedParentVersionID string       `json:"expected_parent_version_id"`
	Content                 tool.Content `json:"content"`
	ChangeSummary           string       `json:"change_summary,omitempty"`
}

// Saved is the new draft head and the lock retargeted onto it.
type Saved struct {
	Version *tool.Version   `json:"version"`
	Lock    *tool.DraftLock `json:"lock"`
}

// SaveDraft forks the draft head into a new DRAFT row. The caller must hold
// the live lock on the head, and the head must still be the expected
// parent; a replay after another save therefore fails CONFLICT.
func (s *Service) SaveDraft(ctx context.Context, actor tool.Actor, toolID string, req SaveDraft) (out *Saved, err error) {
	defer s.observe("save_draft", &err)
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	if err := CheckContent(req.Content); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		if _, err := maintainedTool(ctx, tx, actor); err != nil {
			return err
		}
		lock, err := tx.DraftLock(ctx)
		if err != nil {
			return err
		}
		if err := draftlock.Validate(lock, actor, now); err != nil {
			return err
		}
		if lock.DraftHeadID != req.VersionID {
			return tool.Conflict("draft lock targets another version", req.VersionID, lock.DraftHeadID)
		}
		head, err := tx.DraftHead(ctx)
		if err != nil {
			return err
		}
		if err := draftlock.CheckHead(head, req.ExpectedParentVersionID); err != nil {
			return err
		}
		if head.ID != req.VersionID {
			return tool.Conflict("version is not the draft head", req.VersionID, head.ID)
		}

		// Archive before insert so the one-draft invariant holds at every
		// statement boundary.
		head.State = tool.StateArchived
		if err := tx.UpdateVersion(ctx, head); err != nil {
			return err
		}
		number, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		v := s.newVersion(toolID, number, tool.StateDraft, req.Content, head.ID, actor.UserID, now)
		v.ChangeSummary = req.ChangeSummary
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		lock.DraftHeadID = v.ID
		lock.ExpiresAt = now.Add(s.lockTTL)
		if err := tx.PutDraftLock(ctx, lock); err != nil {
			return err
		}
		out = &Saved{Version: v, Lock: lock}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventDraftSaved, out.Version, actor, now, map[string]any{"parent_version_id": req.VersionID})
	logging.Info("lifecycle", "draft saved", "tool_id", toolID, "version_id", out.Version.ID, "parent", req.VersionID, "actor", actor.UserID)
	return out, nil
}

// SubmitForReview moves the draft head to IN_REVIEW in place and drops the
// lock on it. A live lock held by someone else blocks submission.
func (s *Service) SubmitForReview(ctx context.Context, actor tool.Actor, versionID string) (v *tool.Version, err error) {
	defer s.observe("submit_for_review", &err)
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	toolID, err := s.toolOf(ctx, versionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		t, err := maintainedTool(ctx, tx, actor)
		if err != nil {
			return err
		}
		v, err = versionIn(ctx, tx, versionID, tool.StateDraft)
		if err != nil {
			return err
		}
		lock, err := tx.DraftLock(ctx)
		if err != nil {
			return err
		}
		if lock.Live(now) && lock.LockedByUserID != actor.UserID {
			return draftlock.Validate(lock, actor, now)
		}
		if err := s.validator.ValidateSubmission(ctx, t); err != nil {
			return err
		}
		v.State = tool.StateInReview
		v.SubmittedForReviewBy = actor.UserID
		v.SubmittedForReviewAt = tool.TimePtr(now)
		if err := tx.UpdateVersion(ctx, v); err != nil {
			return err
		}
		if lock != nil && lock.DraftHeadID == v.ID {
			return tx.DeleteDraftLock(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventSubmitted, v, actor, now, nil)
	logging.Info("lifecycle", "submitted for review", "tool_id", toolID, "version_id", v.ID, "actor", actor.UserID)
	return v, nil
}

// Publish archives the reviewed version and the current active one, then
// inserts a new ACTIVE copy of the reviewed content and points the tool
// at it.
func (s *Service) Publish(ctx context.Context, actor tool.Actor, versionID, changeSummary string) (active *tool.Version, err error) {
	defer s.observe("publish", &err)
	if err := actor.Require(tool.RoleAdmin); err != nil {
		return nil, err
	}
	toolID, err := s.toolOf(ctx, versionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var previous string
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		t, err := tx.Tool(ctx)
		if err != nil {
			return err
		}
		reviewed, err := versionIn(ctx, tx, versionID, tool.StateInReview)
		if err != nil {
			return err
		}
		reviewed.State = tool.StateArchived
		reviewed.ReviewedBy = actor.UserID
		reviewed.ReviewedAt = tool.TimePtr(now)
		reviewed.PublishedBy = actor.UserID
		reviewed.PublishedAt = tool.TimePtr(now)
		if err := tx.UpdateVersion(ctx, reviewed); err != nil {
			return err
		}
		previous, err = archiveActive(ctx, tx)
		if err != nil {
			return err
		}
		number, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		active = s.newVersion(toolID, number, tool.StateActive, reviewed.Content, reviewed.ID, actor.UserID, now)
		active.ChangeSummary = changeSummary
		if strings.TrimSpace(active.ChangeSummary) == "" {
			active.ChangeSummary = reviewed.ChangeSummary
		}
		active.ReviewedBy = actor.UserID
		active.ReviewedAt = tool.TimePtr(now)
		active.PublishedBy = actor.UserID
		active.PublishedAt = tool.TimePtr(now)
		if err := tx.InsertVersion(ctx, active); err != nil {
			return err
		}
		t.ActiveVersionID = active.ID
		t.IsPublished = true
		t.UpdatedAt = now
		return tx.UpdateTool(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventPublished, active, actor, now, map[string]any{
		"reviewed_version_id": versionID,
		"previous_active_id":  previous,
	})
	logging.Info("lifecycle", "version published", "tool_id", toolID, "version_id", active.ID, "reviewed", versionID, "previous_active", previous, "actor", actor.UserID)
	return active, nil
}

// RequestChanges archives the reviewed version and reopens its content as
// a new DRAFT attributed to the original author.
func (s *Service) RequestChanges(ctx context.Context, actor tool.Actor, versionID, message string) (draft *tool.Version, err error) {
	defer s.observe("request_changes", &err)
	if err := actor.Require(tool.RoleAdmin); err != nil {
		return nil, err
	}
	toolID, err := s.toolOf(ctx, versionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		if _, err := tx.Tool(ctx); err != nil {
			return err
		}
		reviewed, err := versionIn(ctx, tx, versionID, tool.StateInReview)
		if err != nil {
			return err
		}
		head, err := tx.DraftHead(ctx)
		if err != nil {
			return err
		}
		if head != nil {
			return tool.Conflict("tool already has a draft", nil, head.ID)
		}
		reviewed.State = tool.StateArchived
		reviewed.ReviewedBy = actor.UserID
		reviewed.ReviewedAt = tool.TimePtr(now)
		reviewed.ReviewNote = message
		if err := tx.UpdateVersion(ctx, reviewed); err != nil {
			return err
		}
		number, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		draft = s.newVersion(toolID, number, tool.StateDraft, reviewed.Content, reviewed.ID, reviewed.CreatedByUserID, now)
		draft.ChangeSummary = message
		return tx.InsertVersion(ctx, draft)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventChangesRequested, draft, actor, now, map[string]any{"reviewed_version_id": versionID})
	logging.Info("lifecycle", "changes requested", "tool_id", toolID, "reviewed", versionID, "draft", draft.ID, "actor", actor.UserID)
	return draft, nil
}

// Rollback reinstates an archived version as a new ACTIVE row. Only
// superusers may roll back, and the role is checked before any read.
func (s *Service) Rollback(ctx context.Context, actor tool.Actor, versionID string) (active *tool.Version, err error) {
	defer s.observe("rollback", &err)
	if err := actor.Require(tool.RoleSuperuser); err != nil {
		return nil, err
	}
	toolID, err := s.toolOf(ctx, versionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var previous string
	err = s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		t, err := tx.Tool(ctx)
		if err != nil {
			return err
		}
		target, err := versionIn(ctx, tx, versionID, tool.StateArchived)
		if err != nil {
			return err
		}
		previous, err = archiveActive(ctx, tx)
		if err != nil {
			return err
		}
		number, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		active = s.newVersion(toolID, number, tool.StateActive, target.Content, target.ID, actor.UserID, now)
		active.ChangeSummary = "Rollback to version " + strconv.FormatInt(target.Number, 10)
		active.PublishedBy = actor.UserID
		active.PublishedAt = tool.TimePtr(now)
		if err := tx.InsertVersion(ctx, active); err != nil {
			return err
		}
		t.ActiveVersionID = active.ID
		t.IsPublished = true
		t.UpdatedAt = now
		return tx.UpdateTool(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, tool.EventRolledBack, active, actor, now, map[string]any{
		"target_version_id":  versionID,
		"previous_active_id": previous,
	})
	logging.Warn("lifecycle", "version rolled back", "tool_id", toolID, "target", versionID, "new_active", active.ID, "previous_active", previous, "actor", actor.UserID)
	return active, nil
}

// GetVersion returns one version to a maintainer of its tool.
func (s *Service) GetVersion(ctx context.Context, actor tool.Actor, versionID string) (*tool.Version, error) {
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTool(ctx, v.ToolID)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireMaintainer(t); err != nil {
		return nil, err
	}
	return v, nil
}

// GetTool returns the catalog row. Published tools are visible to every
// user; unpublished ones only to their maintainers.
func (s *Service) GetTool(ctx context.Context, actor tool.Actor, toolID string) (*tool.Tool, error) {
	if err := actor.Require(tool.RoleUser); err != nil {
		return nil, err
	}
	t, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if t.IsPublished {
		return t, nil
	}
	if !actor.CanMaintain(t) {
		return nil, tool.NotFound("tool %s not found", toolID)
	}
	return t, nil
}

// ListVersions returns a tool's history, newest first.
func (s *Service) ListVersions(ctx context.Context, actor tool.Actor, toolID string) ([]*tool.Version, error) {
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	t, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireMaintainer(t); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, toolID)
}

// CheckContent rejects content that can never run: a missing entrypoint or
// a schema that does not compile.
func CheckContent(c tool.Content) error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		return tool.Validation("entrypoint required").With("field", "entrypoint")
	}
	if err := schema.CheckSchema("settings_schema", c.SettingsSchema); err != nil {
		return tool.Validation("settings schema invalid: %v", err).With("field", "settings_schema")
	}
	if err := schema.CheckSchema("input_schema", c.InputSchema); err != nil {
		return tool.Validation("input schema invalid: %v", err).With("field", "input_schema")
	}
	return nil
}

func (s *Service) newVersion(toolID string, number int64, state tool.State, content tool.Content, derivedFrom, author string, now time.Time) *tool.Version {
	return &tool.Version{
		ID:                   s.ids.NewID(),
		ToolID:               toolID,
		Number:               number,
		State:                state,
		Content:              content,
		ContentHash:          tool.ContentHash(content.Entrypoint, content.SourceCode),
		DerivedFromVersionID: derivedFrom,
		CreatedByUserID:      author,
		CreatedAt:            now,
	}
}

func (s *Service) toolOf(ctx context.Context, versionID string) (string, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	return v.ToolID, nil
}

func (s *Service) observe(command string, err *error) {
	s.metrics.IncCommand(command, tool.ResultCode(*err))
	if *err != nil {
		logging.Debug("lifecycle", "command failed", "command", command, "error", *err)
	}
}

func (s *Service) emit(ctx context.Context, evType string, v *tool.Version, actor tool.Actor, now time.Time, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["version_number"] = v.Number
	data["state"] = string(v.State)
	tool.Emit(ctx, s.events, tool.Event{
		Type:      evType,
		ToolID:    v.ToolID,
		VersionID: v.ID,
		ActorID:   actor.UserID,
		At:        now,
		Data:      data,
	})
}

func maintainedTool(ctx context.Context, tx tool.VersionTx, actor tool.Actor) (*tool.Tool, error) {
	t, err := tx.Tool(ctx)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireMaintainer(t); err != nil {
		return nil, err
	}
	return t, nil
}

// versionIn loads versionID and requires it to be in want.
func versionIn(ctx context.Context, tx tool.VersionTx, versionID string, want tool.State) (*tool.Version, error) {
	v, err := tx.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.State != want {
		return nil, tool.Conflict("version "+versionID+" is "+string(v.State), string(want), string(v.State))
	}
	return v, nil
}

// archiveActive archives the tool's ACTIVE version, if any, and returns
// its id.
func archiveActive(ctx context.Context, tx tool.VersionTx) (string, error) {
	current, err := tx.ActiveVersion(ctx)
	if err != nil || current == nil {
		return "", err
	}
	current.State = tool.StateArchived
	if err := tx.UpdateVersion(ctx, current); err != nil {
		return "", err
	}
	return current.ID, nil
}
