package interact

import (
	"context"

	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/draftlock"
	"github.com/cordum/toolforge/core/tool/lifecycle"
	"github.com/cordum/toolforge/core/tool/sessions"
	"github.com/cordum/toolforge/core/tool/snapshots"
)

// Sandbox runs unsaved edits from a snapshot. Every call requires the
// caller's live draft lock on the current draft head.
type Sandbox struct {
	*engine
	snapshots *snapshots.Service
}

func NewSandbox(store Store, exec tool.Executor, opts ...Option) *Sandbox {
	e := newEngine(store, exec, opts)
	return &Sandbox{
		engine: e,
		snapshots: snapshots.New(store,
			snapshots.WithClock(e.clock),
			snapshots.WithIDs(e.ids),
			snapshots.WithMetrics(e.metrics),
			snapshots.WithTTL(e.snapshotTTL),
			snapshots.WithMaxBytes(e.maxSnapshotBytes),
		),
	}
}

// SandboxRun starts a sandbox interaction with content that may differ
// from the stored draft.
type SandboxRun struct {
	ToolID      string         `json:"tool_id"`
	DraftHeadID string         `json:"draft_head_id"`
	Content     tool.Content   `json:"content"`
	Input       *tool.Object   `json:"input"`
	Files       []tool.FileRef `json:"files,omitempty"`
}

// SandboxAction continues an interaction started by RunSandbox.
type SandboxAction struct {
	ToolID           string         `json:"tool_id"`
	DraftHeadID      string         `json:"draft_head_id"`
	SnapshotID       string         `json:"snapshot_id"`
	ActionID         string         `json:"action_id"`
	ExpectedStateRev *int64         `json:"expected_state_rev,omitempty"`
	Input            *tool.Object   `json:"input"`
	Files            []tool.FileRef `json:"files,omitempty"`
	FileMode         FileMode       `json:"file_mode,omitempty"`
}

// RunSandbox freezes req.Content into a snapshot and runs it. Oversized
// content or input that fails the input schema is rejected before anything
// executes.
func (s *Sandbox) RunSandbox(ctx context.Context, actor tool.Actor, req SandboxRun) (out *Outcome, err error) {
	defer s.observe("run_sandbox", &err)
	if err := s.checkLock(ctx, actor, req.ToolID, req.DraftHeadID); err != nil {
		return nil, err
	}
	if err := lifecycle.CheckContent(req.Content); err != nil {
		return nil, err
	}
	input := orEmpty(req.Input)
	if err := s.validateInput(req.Content.InputSchema, input); err != nil {
		return nil, err
	}
	snap, err := s.snapshots.Create(ctx, req.ToolID, req.DraftHeadID, req.Content, actor)
	if err != nil {
		return nil, err
	}
	key := tool.SessionKey{ToolID: req.ToolID, UserID: actor.UserID, Context: sessions.SandboxContext(snap.ID)}
	sess, err := s.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	settings, err := s.settingsFor(ctx, req.ToolID, actor.UserID, snap.SettingsSchema)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, step{
		runCtx:     tool.RunSandbox,
		actor:      actor,
		toolID:     req.ToolID,
		snapshotID: snap.ID,
		content:    snap.Content,
		key:        key,
		session:    sess,
		state:      sess.State,
		input:      input,
		files:      req.Files,
		settings:   settings,
	})
}

// StartSandboxAction submits input for a next action of a running sandbox
// interaction. A stale ExpectedStateRev is a CONFLICT and nothing runs.
func (s *Sandbox) StartSandboxAction(ctx context.Context, actor tool.Actor, req SandboxAction) (out *Outcome, err error) {
	defer s.observe("start_sandbox_action", &err)
	if req.ActionID == "" {
		return nil, tool.Validation("action id required").With("field", "action_id")
	}
	if err := s.checkLock(ctx, actor, req.ToolID, req.DraftHeadID); err != nil {
		return nil, err
	}
	snap, err := s.snapshots.Get(ctx, req.SnapshotID, req.ToolID, req.DraftHeadID)
	if err != nil {
		return nil, err
	}
	key := tool.SessionKey{ToolID: req.ToolID, UserID: actor.UserID, Context: sessions.SandboxContext(snap.ID)}
	sess, err := s.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.checkRev(sess, req.ExpectedStateRev); err != nil {
		return nil, err
	}
	files, err := resolveFiles(sess.State, req.Files, req.FileMode)
	if err != nil {
		return nil, err
	}
	settings, err := s.settingsFor(ctx, req.ToolID, actor.UserID, snap.SettingsSchema)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, step{
		runCtx:     tool.RunSandbox,
		actor:      actor,
		toolID:     req.ToolID,
		snapshotID: snap.ID,
		actionID:   req.ActionID,
		content:    snap.Content,
		key:        key,
		session:    sess,
		state:      sess.State,
		input:      orEmpty(req.Input),
		files:      files,
		settings:   settings,
	})
}

// checkLock is the first transaction of a sandbox call: the caller must
// maintain the tool and hold its live lock on draftHeadID, which must
// still be the draft head.
func (s *Sandbox) checkLock(ctx context.Context, actor tool.Actor, toolID, draftHeadID string) error {
	if err := actor.Require(tool.RoleContributor); err != nil {
		return err
	}
	now := s.clock.Now()
	return s.store.InToolTx(ctx, toolID, func(tx tool.VersionTx) error {
		t, err := tx.Tool(ctx)
		if err != nil {
			return err
		}
		if err := actor.RequireMaintainer(t); err != nil {
			return err
		}
		l, err := tx.DraftLock(ctx)
		if err != nil {
			return err
		}
		if err := draftlock.Validate(l, actor, now); err != nil {
			return err
		}
		head, err := tx.DraftHead(ctx)
		if err != nil {
			return err
		}
		if err := draftlock.CheckHead(head, draftHeadID); err != nil {
			return err
		}
		if l.DraftHeadID != draftHeadID {
			return tool.Conflict("draft lock targets another head", draftHeadID, l.DraftHeadID)
		}
		return nil
	})
}

func (s *Sandbox) observe(command string, err *error) {
	s.metrics.IncCommand(command, tool.ResultCode(*err))
}

func orEmpty(o *tool.Object) *tool.Object {
	if o == nil {
		return tool.NewObject()
	}
	return o
}
