package sessions

import (
	"context"
	"encoding/json"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
)

// Settings is a user's saved settings for one version's settings schema.
type Settings struct {
	ToolID    string          `json:"tool_id"`
	VersionID string          `json:"version_id"`
	Context   string          `json:"context"`
	Schema    json.RawMessage `json:"settings_schema,omitempty"`
	Values    *tool.Object    `json:"values"`
	StateRev  int64           `json:"state_rev"`
}

// ResolveSettings loads the caller's settings for the tool's active version,
// or for the draft head when sandbox is set.
func (s *Service) ResolveSettings(ctx context.Context, actor tool.Actor, toolID string, sandbox bool) (out *Settings, err error) {
	defer s.observe("resolve_settings", &err)
	v, err := s.settingsVersion(ctx, actor, toolID, sandbox)
	if err != nil {
		return nil, err
	}
	key, err := settingsKey(v, actor)
	if err != nil {
		return nil, err
	}
	sess, err := s.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	return settingsOf(v, sess), nil
}

// SaveSettings validates values against the version's settings schema and
// writes them when the session is still at expectedRev.
func (s *Service) SaveSettings(ctx context.Context, actor tool.Actor, toolID string, sandbox bool, expectedRev int64, values *tool.Object) (out *Settings, err error) {
	defer s.observe("save_settings", &err)
	v, err := s.settingsVersion(ctx, actor, toolID, sandbox)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = tool.NewObject()
	}
	if s.validator != nil {
		if err := s.validator.Validate(v.SettingsSchema, values); err != nil {
			return nil, err
		}
	}
	key, err := settingsKey(v, actor)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetOrCreate(ctx, key); err != nil {
		return nil, err
	}
	sess, err := s.UpdateState(ctx, key, expectedRev, values)
	if err != nil {
		return nil, err
	}
	logging.Debug("sessions", "settings saved", "tool_id", toolID, "user_id", actor.UserID, "version_id", v.ID, "state_rev", sess.StateRev)
	return settingsOf(v, sess), nil
}

func (s *Service) settingsVersion(ctx context.Context, actor tool.Actor, toolID string, sandbox bool) (*tool.Version, error) {
	min := tool.RoleUser
	if sandbox {
		min = tool.RoleContributor
	}
	if err := actor.Require(min); err != nil {
		return nil, err
	}
	t, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if sandbox {
		if err := actor.RequireMaintainer(t); err != nil {
			return nil, err
		}
		head, err := s.store.GetDraftHead(ctx, toolID)
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, tool.NotFound("tool %s has no draft", toolID)
		}
		return head, nil
	}
	if !t.IsPublished || t.ActiveVersionID == "" {
		return nil, tool.NotFound("tool %s is not published", toolID)
	}
	return s.store.GetVersion(ctx, t.ActiveVersionID)
}

func (s *Service) observe(command string, err *error) {
	s.metrics.IncCommand(command, tool.ResultCode(*err))
}

func settingsKey(v *tool.Version, actor tool.Actor) (tool.SessionKey, error) {
	contextKey, err := SettingsContext(v.SettingsSchema)
	if err != nil {
		return tool.SessionKey{}, err
	}
	return tool.SessionKey{ToolID: v.ToolID, UserID: actor.UserID, Context: contextKey}, nil
}

func settingsOf(v *tool.Version, sess *tool.Session) *Settings {
	return &Settings{
		ToolID:    v.ToolID,
		VersionID: v.ID,
		Context:   sess.Context,
		Schema:    v.SettingsSchema,
		Values:    sess.State,
		StateRev:  sess.StateRev,
	}
}
