// Package interact turns run and continue requests into executor calls.
// Every request follows the same discipline: validate, commit, call the
// executor with no transaction open, then persist the run and advance the
// session with a compare-and-set on the pre-execution revision.
package interact

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/infra/metrics"
	"github.com/cordum/toolforge/core/infra/schema"
	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/sessions"
)

const DefaultExecutorTimeout = time.Minute

// Stderr recorded on a run the executor did not finish in time.
const timeoutStderr = "executor timeout"

// filesKey holds the file refs a session carries between steps.
const filesKey = "_files"

// Store is the persistence both coordinators need.
type Store interface {
	tool.ToolCatalog
	tool.VersionStore
	tool.SnapshotStore
	tool.SessionStore
	tool.RunStore
}

// FileMode says what happens to files stored by earlier steps.
type FileMode string

const (
	FilesReuse FileMode = "reuse"
	FilesClear FileMode = "clear"
)

// Outcome is the result of one interaction step. StateRev is nil when the
// executor asked for no further input and the interaction is over.
type Outcome struct {
	Run         *tool.Run         `json:"run"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
	StateRev    *int64            `json:"state_rev"`
	NextActions []tool.NextAction `json:"next_actions,omitempty"`
}

type engine struct {
	store    Store
	exec     tool.Executor
	clock    tool.Clock
	ids      tool.IDGenerator
	events   tool.EventPublisher
	metrics  metrics.Metrics
	schemas  *schema.Cache
	timeout  time.Duration
	sessions *sessions.Service

	snapshotTTL      time.Duration
	maxSnapshotBytes int64
}

type Option func(*engine)

func WithClock(c tool.Clock) Option { return func(e *engine) { e.clock = c } }

func WithIDs(g tool.IDGenerator) Option { return func(e *engine) { e.ids = g } }

func WithEvents(p tool.EventPublisher) Option { return func(e *engine) { e.events = p } }

func WithMetrics(m metrics.Metrics) Option { return func(e *engine) { e.metrics = m } }

func WithSchemaCache(c *schema.Cache) Option { return func(e *engine) { e.schemas = c } }

// WithExecutorTimeout bounds each executor call.
func WithExecutorTimeout(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithSnapshotTTL(d time.Duration) Option { return func(e *engine) { e.snapshotTTL = d } }

func WithMaxSnapshotBytes(n int64) Option { return func(e *engine) { e.maxSnapshotBytes = n } }

func newEngine(store Store, exec tool.Executor, opts []Option) *engine {
	e := &engine{
		store:   store,
		exec:    exec,
		clock:   tool.SystemClock{},
		ids:     tool.UUIDGenerator{},
		events:  tool.NopPublisher{},
		metrics: metrics.Noop{},
		schemas: schema.NewCache(),
		timeout: DefaultExecutorTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sessions = sessions.New(store,
		sessions.WithClock(e.clock),
		sessions.WithIDs(e.ids),
		sessions.WithMetrics(e.metrics),
		sessions.WithValidator(e.schemas),
	)
	return e
}

// GetRun returns a run to the user who started it or to an admin.
func (e *engine) GetRun(ctx context.Context, actor tool.Actor, runID string) (*tool.Run, error) {
	if err := actor.Require(tool.RoleUser); err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != actor.UserID && !actor.Role.AtLeast(tool.RoleAdmin) {
		return nil, tool.Forbidden("run %s belongs to another user", runID)
	}
	return run, nil
}

// ListRuns returns a tool's recent runs to its maintainers.
func (e *engine) ListRuns(ctx context.Context, actor tool.Actor, toolID string, limit int64) ([]*tool.Run, error) {
	if err := actor.Require(tool.RoleContributor); err != nil {
		return nil, err
	}
	t, err := e.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireMaintainer(t); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListRuns(ctx, toolID, limit)
}

// step is everything validated before the executor is called.
type step struct {
	runCtx     tool.RunContext
	actor      tool.Actor
	toolID     string
	versionID  string
	snapshotID string
	actionID   string
	content    tool.Content
	key        tool.SessionKey
	session    *tool.Session
	state      *tool.Object
	input      *tool.Object
	files      []tool.FileRef
	settings   *tool.Object
}

// checkRev rejects a continue request made against an older revision
// before anything runs.
func (e *engine) checkRev(sess *tool.Session, expected *int64) error {
	if expected == nil || *expected == sess.StateRev {
		return nil
	}
	e.metrics.IncSessionConflict(sessions.Kind(sess.Context))
	return tool.Conflict("session state revision mismatch", *expected, sess.StateRev)
}

func (e *engine) validateInput(inputSchema json.RawMessage, input *tool.Object) error {
	if err := e.schemas.Validate(inputSchema, input); err != nil {
		var te *tool.Error
		if errors.As(err, &te) {
			te.With("field", "input")
		}
		return err
	}
	return nil
}

// settingsFor returns the user's saved settings for schema, or nil.
func (e *engine) settingsFor(ctx context.Context, toolID, userID string, settingsSchema json.RawMessage) (*tool.Object, error) {
	contextKey, err := sessions.SettingsContext(settingsSchema)
	if err != nil {
		return nil, err
	}
	sess, err := e.store.GetSession(ctx, tool.SessionKey{ToolID: toolID, UserID: userID, Context: contextKey})
	if tool.IsCode(err, tool.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.State, nil
}

// run calls the executor and records the outcome.
func (e *engine) run(ctx context.Context, st step) (*Outcome, error) {
	runID := e.ids.NewID()
	started := e.clock.Now()
	state := st.state.Clone()
	state.Delete(filesKey)
	res, err := e.execute(ctx, &tool.ExecRequest{
		RunID:      runID,
		ToolID:     st.toolID,
		VersionID:  st.versionID,
		SnapshotID: st.snapshotID,
		Context:    st.runCtx,
		UserID:     st.actor.UserID,
		ActionID:   st.actionID,
		Content:    st.content,
		Input:      st.input,
		State:      state,
		Settings:   st.settings,
		Files:      st.files,
	})
	if err != nil {
		return nil, err
	}
	finished := e.clock.Now()
	run := &tool.Run{
		ID:         runID,
		ToolID:     st.toolID,
		VersionID:  st.versionID,
		SnapshotID: st.snapshotID,
		Context:    st.runCtx,
		UserID:     st.actor.UserID,
		ActionID:   st.actionID,
		Status:     res.Status,
		StartedAt:  tool.TimePtr(started),
		FinishedAt: tool.TimePtr(finished),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Artifacts:  res.Artifacts,
		UIPayload:  res.UIPayload,
	}
	e.metrics.ObserveRun(string(st.runCtx), string(run.Status), finished.Sub(started).Seconds())
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	out := &Outcome{Run: run, SnapshotID: st.snapshotID}
	if len(res.UIPayload.NextActions) > 0 {
		next := res.UIPayload.State.Clone()
		if len(st.files) > 0 {
			files, err := filesValue(st.files)
			if err != nil {
				return nil, err
			}
			next.Set(filesKey, files)
		}
		sess, err := e.sessions.UpdateState(ctx, st.key, st.session.StateRev, next)
		if err != nil {
			var te *tool.Error
			if errors.As(err, &te) {
				te.With("run_id", run.ID)
			}
			return nil, err
		}
		rev := sess.StateRev
		out.StateRev = &rev
		out.NextActions = res.UIPayload.NextActions
	}

	data := map[string]any{"status": string(run.Status), "context": string(run.Context)}
	if out.StateRev != nil {
		data["state_rev"] = *out.StateRev
	}
	if st.snapshotID != "" {
		data["snapshot_id"] = st.snapshotID
	}
	tool.Emit(ctx, e.events, tool.Event{
		Type:      tool.EventRunFinished,
		ToolID:    st.toolID,
		VersionID: st.versionID,
		ActorID:   st.actor.UserID,
		At:        finished,
		Data:      data,
	})
	logging.Info("interact", "run finished", "run_id", run.ID, "tool_id", st.toolID,
		"context", string(st.runCtx), "status", string(run.Status), "continues", out.StateRev != nil)
	return out, nil
}

// execute calls the executor under the configured timeout. A timeout or an
// executor failure becomes a FAILED result; capacity refusals and caller
// cancellation are returned as errors and nothing is recorded.
func (e *engine) execute(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := e.exec.Execute(execCtx, req)
	switch {
	case err == nil && res == nil:
		logging.Error("interact", "executor returned no result", "run_id", req.RunID, "tool_id", req.ToolID)
		return &tool.ExecResult{Status: tool.RunFailed, Stderr: "executor returned no result"}, nil
	case err == nil:
		if res.Status != tool.RunSucceeded {
			res.Status = tool.RunFailed
		}
		return res, nil
	case tool.IsCode(err, tool.CodeUnavailable):
		e.metrics.IncExecutorUnavailable(string(req.Context))
		logging.Warn("interact", "executor at capacity", "tool_id", req.ToolID, "context", string(req.Context), "error", err)
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		logging.Warn("interact", "executor timed out", "run_id", req.RunID, "tool_id", req.ToolID, "timeout", e.timeout)
		return &tool.ExecResult{Status: tool.RunFailed, Stderr: timeoutStderr}, nil
	default:
		logging.Error("interact", "executor failed", "run_id", req.RunID, "tool_id", req.ToolID, "error", err)
		return &tool.ExecResult{Status: tool.RunFailed, Stderr: err.Error()}, nil
	}
}

// resolveFiles combines files stored in state with new uploads. Uploads
// replace stored files of the same name.
func resolveFiles(state *tool.Object, uploads []tool.FileRef, mode FileMode) ([]tool.FileRef, error) {
	switch mode {
	case "", FilesReuse:
	case FilesClear:
		return uploads, nil
	default:
		return nil, tool.Validation("unknown file mode %q", mode).With("field", "file_mode")
	}
	stored, err := storedFiles(state)
	if err != nil {
		return nil, err
	}
	out := make([]tool.FileRef, 0, len(stored)+len(uploads))
	replaced := make(map[string]bool, len(uploads))
	for _, f := range uploads {
		replaced[f.Name] = true
	}
	for _, f := range stored {
		if !replaced[f.Name] {
			out = append(out, f)
		}
	}
	return append(out, uploads...), nil
}

func storedFiles(state *tool.Object) ([]tool.FileRef, error) {
	raw, ok := state.Get(filesKey)
	if !ok || raw.Kind() == tool.KindNull {
		return nil, nil
	}
	data, err := raw.MarshalJSON()
	if err != nil {
		return nil, tool.Wrap(err, "encode stored files")
	}
	var files []tool.FileRef
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, tool.Internal("session %s holds malformed files: %v", filesKey, err)
	}
	return files, nil
}

func filesValue(files []tool.FileRef) (tool.Value, error) {
	data, err := json.Marshal(files)
	if err != nil {
		return tool.Value{}, tool.Wrap(err, "encode files")
	}
	v, err := tool.ParseValue(data)
	if err != nil {
		return tool.Value{}, tool.Wrap(err, "encode files")
	}
	return v, nil
}
