package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordum/toolforge/core/executor"
	"github.com/cordum/toolforge/core/infra/bus"
	"github.com/cordum/toolforge/core/infra/config"
	"github.com/cordum/toolforge/core/store/redisstore"
	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/interact"
)

const testKey = "test-key"

var (
	alice    = tool.Actor{UserID: "alice", Role: tool.RoleContributor}
	reviewer = tool.Actor{UserID: "root-admin", Role: tool.RoleAdmin}
	endUser  = tool.Actor{UserID: "end-user", Role: tool.RoleUser}
	stranger = tool.Actor{UserID: "stranger", Role: tool.RoleUser}
)

type requestRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *requestRecorder) ObserveRequest(_, route, status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route+" "+status)
}

func (r *requestRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routes...)
}

type apiFixture struct {
	srv     *httptest.Server
	metrics *requestRecorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := redisstore.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec := executor.Func(func(_ context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
		return &tool.ExecResult{
			Status: tool.RunSucceeded,
			Stdout: "ran " + string(req.Context),
			UIPayload: tool.UIPayload{
				Outputs: []tool.Value{tool.String("ok")},
			},
		}, nil
	})
	events := bus.NewLocalBus()
	svc := NewServices(st, exec, events, nil, config.DefaultPolicy())
	rec := &requestRecorder{}
	handler, stop := NewHandler(svc, events, NewBasicAuthProvider([]string{testKey}), rec)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		stop()
	})
	return &apiFixture{srv: srv, metrics: rec}
}

func (f *apiFixture) do(t *testing.T, method, path string, actor tool.Actor, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(headerAPIKey, testKey)
	if actor.UserID != "" {
		req.Header.Set(headerUserID, actor.UserID)
		req.Header.Set(headerUserRole, actor.Role.String())
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) tool.Code {
	t.Helper()
	body := decode[errorBody](t, data)
	require.NotNil(t, body.Error, string(data))
	return body.Error.Code
}

func testContent() map[string]any {
	return map[string]any{
		"entrypoint":   "main.py",
		"source_code":  "print('hi')",
		"input_schema": map[string]any{"type": "object"},
	}
}

func (f *apiFixture) seedDraft(t *testing.T) *tool.Version {
	t.Helper()
	status, data := f.do(t, http.MethodPost, "/api/v1/tools", alice, map[string]any{
		"id": "t1", "slug": "unit-convert", "title": "Unit convert", "category": "utilities",
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/drafts", alice, map[string]any{"content": testContent()})
	require.Equal(t, http.StatusCreated, status, string(data))
	return decode[*tool.Version](t, data)
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/tools/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeUnauthorized, errorCode(t, data))
}

func TestUnknownRoleRejected(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodGet, "/api/v1/tools/t1", tool.Actor{UserID: "x", Role: tool.RoleUnknown}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAnonymousCallerForbidden(t *testing.T) {
	f := newAPIFixture(t)
	status, data := f.do(t, http.MethodPost, "/api/v1/tools", tool.Actor{}, map[string]any{"slug": "x", "title": "x"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, tool.CodeForbidden, errorCode(t, data))
}

func TestDraftToProductionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	draft := f.seedDraft(t)
	assert.Equal(t, tool.StateDraft, draft.State)

	status, data := f.do(t, http.MethodPost, "/api/v1/tools/t1/lock", alice, map[string]any{"draft_head_id": draft.ID})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.True(t, decode[map[string]any](t, data)["is_owner"].(bool))

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/sandbox/runs", alice, map[string]any{
		"draft_head_id": draft.ID,
		"content":       testContent(),
		"input":         map[string]any{},
	})
	require.Equal(t, http.StatusOK, status, string(data))
	sandbox := decode[interact.Outcome](t, data)
	require.NotNil(t, sandbox.Run)
	assert.Equal(t, tool.RunSandbox, sandbox.Run.Context)
	assert.Equal(t, tool.RunSucceeded, sandbox.Run.Status)
	assert.NotEmpty(t, sandbox.SnapshotID)
	assert.Nil(t, sandbox.StateRev, "no next actions ends the interaction")

	status, data = f.do(t, http.MethodPost, "/api/v1/versions/"+draft.ID+"/submit", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, tool.StateInReview, decode[*tool.Version](t, data).State)

	status, data = f.do(t, http.MethodPost, "/api/v1/versions/"+draft.ID+"/publish", alice, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, tool.CodeForbidden, errorCode(t, data))

	status, data = f.do(t, http.MethodPost, "/api/v1/versions/"+draft.ID+"/publish", reviewer, map[string]any{"change_summary": "first"})
	require.Equal(t, http.StatusOK, status, string(data))
	active := decode[*tool.Version](t, data)
	assert.Equal(t, tool.StateActive, active.State)

	status, data = f.do(t, http.MethodGet, "/api/v1/tools/t1", endUser, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, active.ID, decode[*tool.Tool](t, data).ActiveVersionID)

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/runs", endUser, map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusOK, status, string(data))
	prod := decode[interact.Outcome](t, data)
	assert.Equal(t, tool.RunProduction, prod.Run.Context)
	assert.Equal(t, active.ID, prod.Run.VersionID)

	status, data = f.do(t, http.MethodGet, "/api/v1/runs/"+prod.Run.ID, endUser, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, "ran PRODUCTION", decode[*tool.Run](t, data).Stdout)

	status, _ = f.do(t, http.MethodGet, "/api/v1/runs/"+prod.Run.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, data = f.do(t, http.MethodGet, "/api/v1/tools/t1/runs?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Len(t, decode[[]*tool.Run](t, data), 2)

	status, data = f.do(t, http.MethodGet, "/api/v1/tools/t1/versions", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.NotEmpty(t, decode[[]*tool.Version](t, data))

	assert.Contains(t, f.metrics.seen(), "/api/v1/tools/{id}/runs 200")
}

func TestErrorStatusMapping(t *testing.T) {
	f := newAPIFixture(t)
	draft := f.seedDraft(t)

	status, data := f.do(t, http.MethodGet, "/api/v1/versions/missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, tool.CodeNotFound, errorCode(t, data))

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/drafts", alice, map[string]any{"content": testContent()})
	assert.Equal(t, http.StatusConflict, status, "one draft per tool")
	assert.Equal(t, tool.CodeConflict, errorCode(t, data))

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/lock", alice, `{"draft_head_id":`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, tool.CodeValidation, errorCode(t, data))

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/drafts/"+draft.ID+"/save", alice, map[string]any{
		"expected_parent_version_id": draft.ID,
		"content":                    testContent(),
	})
	assert.Equal(t, http.StatusConflict, status, "saving needs the lock")
	assert.Equal(t, tool.CodeConflict, errorCode(t, data))

	status, _ = f.do(t, http.MethodGet, "/api/v1/tools/t1/runs?limit=abc", alice, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestSaveDraftConflictCarriesRevisions(t *testing.T) {
	f := newAPIFixture(t)
	draft := f.seedDraft(t)
	status, _ := f.do(t, http.MethodPost, "/api/v1/tools/t1/lock", alice, map[string]any{"draft_head_id": draft.ID})
	require.Equal(t, http.StatusOK, status)

	save := map[string]any{"expected_parent_version_id": draft.ID, "content": testContent()}
	status, data := f.do(t, http.MethodPost, "/api/v1/tools/t1/drafts/"+draft.ID+"/save", alice, save)
	require.Equal(t, http.StatusCreated, status, string(data))
	saved := decode[map[string]json.RawMessage](t, data)
	head := decode[*tool.Version](t, saved["version"])

	status, data = f.do(t, http.MethodPost, "/api/v1/tools/t1/drafts/"+head.ID+"/save", alice, save)
	require.Equal(t, http.StatusConflict, status, string(data))
	body := decode[errorBody](t, data)
	assert.Equal(t, draft.ID, body.Error.Details["expected"])
	assert.Equal(t, head.ID, body.Error.Details["current"])
}

func TestSessionEndpointsAreCallerScoped(t *testing.T) {
	f := newAPIFixture(t)
	f.seedDraft(t)

	status, data := f.do(t, http.MethodGet, "/api/v1/tools/t1/sessions/editor_chat", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	sess := decode[*tool.Session](t, data)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, int64(0), sess.StateRev)

	status, _ = f.do(t, http.MethodGet, "/api/v1/tools/t1/sessions/default", alice, nil)
	assert.Equal(t, http.StatusNotFound, status, "plain reads never create a session")

	status, data = f.do(t, http.MethodDelete, "/api/v1/tools/t1/sessions/editor_chat?reset_rev=true", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))

	status, _ = f.do(t, http.MethodGet, "/api/v1/tools/t1/sessions/editor_chat", tool.Actor{}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	f.seedDraft(t)

	status, data := f.do(t, http.MethodGet, "/api/v1/tools/t1/settings?sandbox=true", alice, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	settings := decode[map[string]any](t, data)
	assert.Equal(t, float64(0), settings["state_rev"])

	status, data = f.do(t, http.MethodPut, "/api/v1/tools/t1/settings", alice, map[string]any{
		"sandbox":            true,
		"expected_state_rev": 0,
		"values":             map[string]any{"unit": "metric"},
	})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, float64(1), decode[map[string]any](t, data)["state_rev"])

	status, data = f.do(t, http.MethodPut, "/api/v1/tools/t1/settings", alice, map[string]any{
		"sandbox":            true,
		"expected_state_rev": 0,
		"values":             map[string]any{"unit": "imperial"},
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, tool.CodeConflict, errorCode(t, data))

	status, _ = f.do(t, http.MethodGet, "/api/v1/tools/t1/settings", endUser, nil)
	assert.Equal(t, http.StatusNotFound, status, "unpublished tool has no production settings")
}

func dialStream(t *testing.T, f *apiFixture, path string, actor tool.Actor) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set(headerAPIKey, testKey)
	header.Set(headerUserID, actor.UserID)
	header.Set(headerUserRole, actor.Role.String())
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, header)
}

func TestToolStreamRelaysEvents(t *testing.T) {
	f := newAPIFixture(t)
	draft := f.seedDraft(t)

	ws, resp, err := dialStream(t, f, "/api/v1/tools/t1/stream", alice)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	status, _ := f.do(t, http.MethodPost, "/api/v1/tools/t1/lock", alice, map[string]any{"draft_head_id": draft.ID})
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	ev := decode[tool.Event](t, msg)
	assert.Equal(t, tool.EventLockAcquired, ev.Type)
	assert.Equal(t, "t1", ev.ToolID)
	assert.Equal(t, draft.ID, ev.VersionID)
}

func TestStreamAccess(t *testing.T) {
	f := newAPIFixture(t)
	f.seedDraft(t)

	_, resp, err := dialStream(t, f, "/api/v1/stream", alice)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "global feed is admin only")

	_, resp, err = dialStream(t, f, "/api/v1/tools/t1/stream", tool.Actor{UserID: "mallory", Role: tool.RoleContributor})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unpublished tool hidden from non-maintainers")

	ws, resp, err := dialStream(t, f, "/api/v1/stream", reviewer)
	require.NoError(t, err)
	defer resp.Body.Close()
	_ = ws.Close()
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/x", nil)
	writeError(rec, req, errors.New("dial tcp 10.0.0.1: refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")

	rec = httptest.NewRecorder()
	writeError(rec, req, tool.Unavailable(nil, "executor at capacity"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "executor at capacity")
}

func TestStatusFor(t *testing.T) {
	cases := map[tool.Code]int{
		tool.CodeNotFound:    http.StatusNotFound,
		tool.CodeForbidden:   http.StatusForbidden,
		tool.CodeConflict:    http.StatusConflict,
		tool.CodeValidation:  http.StatusUnprocessableEntity,
		tool.CodeUnavailable: http.StatusServiceUnavailable,
		tool.CodeInternal:    http.StatusInternalServerError,
		codeUnauthorized:     http.StatusUnauthorized,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}
