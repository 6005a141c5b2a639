// Package sessions owns per (tool, user, context) interaction state. State
// only advances through a compare-and-set on state_rev.
package sessions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/infra/schema"
	"github.com/cordum/toolforge/core/tool"
)

// Well-known context strings. Contexts are opaque keys: two different
// strings never share state.
const (
	ContextDefault    = "default"
	ContextEditorChat = "editor_chat"

	sandboxPrefix  = "sandbox:"
	settingsPrefix = "settings:"
)

// DefaultChatTTL is how long an idle chat thread keeps its history.
const DefaultChatTTL = 30 * 24 * time.Hour

// SandboxContext scopes a session to one sandbox snapshot.
func SandboxContext(snapshotID string) string {
	return sandboxPrefix + snapshotID
}

// SettingsContext scopes settings to the schema they were saved against,
// so a schema change starts from an empty session.
func SettingsContext(settingsSchema json.RawMessage) (string, error) {
	if len(strings.TrimSpace(string(settingsSchema))) == 0 {
		return settingsPrefix + "default", nil
	}
	hash, err := tool.SchemaHash(settingsSchema)
	if err != nil {
		return "", tool.Validation("settings schema is not valid json: %v", err).With("field", "settings_schema")
	}
	return settingsPrefix + hash, nil
}

// Store is the persistence the session service needs.
type Store interface {
	tool.ToolCatalog
	tool.VersionStore
	tool.SessionStore
}

type Service struct {
	store     Store
	clock     tool.Clock
	ids       tool.IDGenerator
	metrics   metrics.Metrics
	validator Validator
	chatTTL   time.Duration
}

// Validator checks a value against a JSON schema. *schema.Cache satisfies it.
type Validator interface {
	Validate(schema json.RawMessage, value any) error
}

type Option func(*Service)

func WithClock(c tool.Clock) Option { return func(s *Service) { s.clock = c } }

func WithIDs(g tool.IDGenerator) Option { return func(s *Service) { s.ids = g } }

func WithMetrics(m metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithValidator(v Validator) Option { return func(s *Service) { s.validator = v } }

// WithChatTTL sets the idle window after which GetFresh clears state.
func WithChatTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.chatTTL = d
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		clock:     tool.SystemClock{},
		ids:       tool.UUIDGenerator{},
		metrics:   metrics.Noop{},
		validator: schema.NewCache(),
		chatTTL:   DefaultChatTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session row, creating it at rev 0 with empty
// state on first use.
func (s *Service) GetOrCreate(ctx context.Context, key tool.SessionKey) (*tool.Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return s.store.GetOrCreateSession(ctx, key, s.ids.NewID(), s.clock.Now())
}

func (s *Service) Get(ctx context.Context, key tool.SessionKey) (*tool.Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, key)
}

// UpdateState writes state when the stored revision is expectedRev. A
// mismatch is a CONFLICT carrying expected and current.
func (s *Service) UpdateState(ctx context.Context, key tool.SessionKey, expectedRev int64, state *tool.Object) (*tool.Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if state == nil {
		state = tool.NewObject()
	}
	sess, err := s.store.CompareAndSetState(ctx, key, expectedRev, state, s.clock.Now())
	if tool.IsCode(err, tool.CodeConflict) {
		s.metrics.IncSessionConflict(Kind(key.Context))
		logging.Info("sessions", "state revision conflict",
			"tool_id", key.ToolID, "user_id", key.UserID, "context", key.Context, "expected_rev", expectedRev)
	}
	return sess, err
}

// ClearState empties the state. resetRev also returns the revision to 0.
func (s *Service) ClearState(ctx context.Context, key tool.SessionKey, resetRev bool) (*tool.Session, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return s.store.ClearState(ctx, key, resetRev, s.clock.Now())
}

// GetFresh is GetOrCreate for long-lived contexts such as chat threads:
// state idle for longer than the chat TTL is cleared first, keeping the
// revision so in-flight writers still conflict.
func (s *Service) GetFresh(ctx context.Context, key tool.SessionKey) (*tool.Session, error) {
	sess, err := s.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess.State.Len() == 0 || s.clock.Now().Sub(sess.UpdatedAt) < s.chatTTL {
		return sess, nil
	}
	logging.Info("sessions", "clearing stale session",
		"tool_id", key.ToolID, "user_id", key.UserID, "context", key.Context, "updated_at", sess.UpdatedAt)
	return s.store.ClearState(ctx, key, false, s.clock.Now())
}

// IsReserved reports whether contextKey belongs to a namespace the services
// manage themselves. Callers may not run interactions in these contexts.
func IsReserved(contextKey string) bool {
	return strings.HasPrefix(contextKey, sandboxPrefix) || strings.HasPrefix(contextKey, settingsPrefix)
}

// Kind buckets a context string for metrics.
func Kind(contextKey string) string {
	switch {
	case strings.HasPrefix(contextKey, sandboxPrefix):
		return "sandbox"
	case strings.HasPrefix(contextKey, settingsPrefix):
		return "settings"
	case contextKey == ContextEditorChat:
		return "editor_chat"
	case contextKey == ContextDefault:
		return "default"
	}
	return "other"
}

func checkKey(key tool.SessionKey) error {
	switch {
	case key.ToolID == "":
		return tool.Validation("session tool id required").With("field", "tool_id")
	case key.UserID == "":
		return tool.Validation("session user id required").With("field", "user_id")
	case key.Context == "":
		return tool.Validation("session context required").With("field", "context")
	}
	return nil
}
