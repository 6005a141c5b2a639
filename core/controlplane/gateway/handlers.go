package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/interact"
	"github.com/cordum/toolforge/core/tool/lifecycle"
	"github.com/cordum/toolforge/core/tool/sessions"
)

const defaultRunsLimit = 50

type createDraftRequest struct {
	DerivedFromVersionID string       `json:"derived_from_version_id"`
	Content              tool.Content `json:"content"`
	ChangeSummary        string       `json:"change_summary,omitempty"`
}

type publishRequest struct {
	ChangeSummary string `json:"change_summary,omitempty"`
}

type requestChangesRequest struct {
	Message string `json:"message"`
}

type acquireLockRequest struct {
	DraftHeadID string `json:"draft_head_id"`
	Force       bool   `json:"force,omitempty"`
}

type saveSettingsRequest struct {
	Sandbox          bool         `json:"sandbox,omitempty"`
	ExpectedStateRev int64        `json:"expected_state_rev"`
	Values           *tool.Object `json:"values"`
}

// ---- Catalog and versions ----

func (s *server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.NewTool
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.svc.Lifecycle.CreateTool(r.Context(), actorFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Lifecycle.GetTool(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.Lifecycle.ListVersions(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*tool.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.svc.Lifecycle.CreateDraft(r.Context(), actorFrom(r), r.PathValue("id"), req.DerivedFromVersionID, req.Content, req.ChangeSummary)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SaveDraft
	if !decodeBody(w, r, &req) {
		return
	}
	req.VersionID = r.PathValue("version_id")
	saved, err := s.svc.Lifecycle.SaveDraft(r.Context(), actorFrom(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Lifecycle.GetVersion(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Lifecycle.SubmitForReview(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.svc.Lifecycle.Publish(r.Context(), actorFrom(r), r.PathValue("id"), req.ChangeSummary)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var req requestChangesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := s.svc.Lifecycle.RequestChanges(r.Context(), actorFrom(r), r.PathValue("id"), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleRollback(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Lifecycle.Rollback(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ---- Draft lock ----

func (s *server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Locks.Get(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireLockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	view, err := s.svc.Locks.Acquire(r.Context(), actorFrom(r), r.PathValue("id"), req.DraftHeadID, req.Force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Locks.Release(r.Context(), actorFrom(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Interaction ----

func (s *server) handleRunSandbox(w http.ResponseWriter, r *http.Request) {
	var req interact.SandboxRun
	if !decodeBody(w, r, &req) {
		return
	}
	req.ToolID = r.PathValue("id")
	out, err := s.svc.Sandbox.RunSandbox(r.Context(), actorFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSandboxAction(w http.ResponseWriter, r *http.Request) {
	var req interact.SandboxAction
	if !decodeBody(w, r, &req) {
		return
	}
	req.ToolID = r.PathValue("id")
	out, err := s.svc.Sandbox.StartSandboxAction(r.Context(), actorFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleProductionAction(w http.ResponseWriter, r *http.Request) {
	var req interact.ProductionAction
	if !decodeBody(w, r, &req) {
		return
	}
	req.ToolID = r.PathValue("id")
	out, err := s.svc.Production.StartProductionAction(r.Context(), actorFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultRunsLimit)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, r, tool.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	runs, err := s.svc.Production.ListRuns(r.Context(), actorFrom(r), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Production.GetRun(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ---- Sessions and settings ----

func (s *server) handleResolveSettings(w http.ResponseWriter, r *http.Request) {
	sandbox := parseBool(r.URL.Query().Get("sandbox"))
	out, err := s.svc.Sessions.ResolveSettings(r.Context(), actorFrom(r), r.PathValue("id"), sandbox)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req saveSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := s.svc.Sessions.SaveSettings(r.Context(), actorFrom(r), r.PathValue("id"), req.Sandbox, req.ExpectedStateRev, req.Values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetSession returns the caller's own session. The editor chat
// context is cleared first when it has gone stale.
func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	get := s.svc.Sessions.Get
	if key.Context == sessions.ContextEditorChat {
		get = s.svc.Sessions.GetFresh
	}
	sess, err := get(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	sess, err := s.svc.Sessions.ClearState(r.Context(), key, parseBool(r.URL.Query().Get("reset_rev")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) sessionKey(w http.ResponseWriter, r *http.Request) (tool.SessionKey, bool) {
	actor := actorFrom(r)
	if err := actor.Require(tool.RoleUser); err != nil {
		writeError(w, r, err)
		return tool.SessionKey{}, false
	}
	return tool.SessionKey{
		ToolID:  r.PathValue("id"),
		UserID:  actor.UserID,
		Context: r.PathValue("context"),
	}, true
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
