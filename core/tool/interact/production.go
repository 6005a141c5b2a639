package interact

import (
	"context"

	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/sessions"
)

// Production runs a tool's ACTIVE version for end users. There is no lock
// and no snapshot; the session is keyed by the caller's context.
type Production struct {
	*engine
}

func NewProduction(store Store, exec tool.Executor, opts ...Option) *Production {
	return &Production{engine: newEngine(store, exec, opts)}
}

// ProductionAction starts (empty ActionID) or continues an interaction.
type ProductionAction struct {
	ToolID           string         `json:"tool_id"`
	Context          string         `json:"context,omitempty"`
	ActionID         string         `json:"action_id,omitempty"`
	ExpectedStateRev *int64         `json:"expected_state_rev,omitempty"`
	Input            *tool.Object   `json:"input"`
	Files            []tool.FileRef `json:"files,omitempty"`
	FileMode         FileMode       `json:"file_mode,omitempty"`
}

// StartProductionAction runs the published version. An initial run sees
// empty state and is checked against the input schema; a continuation sees
// the stored state. Either fails CONFLICT on a stale ExpectedStateRev
// before anything runs. Sandbox and settings contexts are off limits.
func (p *Production) StartProductionAction(ctx context.Context, actor tool.Actor, req ProductionAction) (out *Outcome, err error) {
	defer func() { p.metrics.IncCommand("start_production_action", tool.ResultCode(err)) }()
	if err := actor.Require(tool.RoleUser); err != nil {
		return nil, err
	}
	if sessions.IsReserved(req.Context) {
		return nil, tool.Validation("context %q is reserved", req.Context).With("field", "context")
	}
	t, err := p.store.GetTool(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}
	if !t.IsPublished || t.ActiveVersionID == "" {
		return nil, tool.NotFound("tool %s has no published version", req.ToolID)
	}
	v, err := p.store.GetVersion(ctx, t.ActiveVersionID)
	if err != nil {
		return nil, err
	}
	if v.State != tool.StateActive {
		return nil, tool.Internal("tool %s points at %s version %s", t.ID, v.State, v.ID)
	}

	contextKey := req.Context
	if contextKey == "" {
		contextKey = sessions.ContextDefault
	}
	key := tool.SessionKey{ToolID: t.ID, UserID: actor.UserID, Context: contextKey}
	sess, err := p.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := p.checkRev(sess, req.ExpectedStateRev); err != nil {
		return nil, err
	}

	input := orEmpty(req.Input)
	state := sess.State
	files := req.Files
	if req.ActionID == "" {
		if err := p.validateInput(v.InputSchema, input); err != nil {
			return nil, err
		}
		state = tool.NewObject()
	} else {
		files, err = resolveFiles(sess.State, req.Files, req.FileMode)
		if err != nil {
			return nil, err
		}
	}
	settings, err := p.settingsFor(ctx, t.ID, actor.UserID, v.SettingsSchema)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, step{
		runCtx:    tool.RunProduction,
		actor:     actor,
		toolID:    t.ID,
		versionID: v.ID,
		actionID:  req.ActionID,
		content:   v.Content,
		key:       key,
		session:   sess,
		state:     state,
		input:     input,
		files:     files,
		settings:  settings,
	})
}
