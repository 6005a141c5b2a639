package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/toolforge/core/infra/bus"
	"github.com/cordum/toolforge/core/store/redisstore"
	"github.com/cordum/toolforge/core/tool"
	"github.com/cordum/toolforge/core/tool/draftlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = tool.Actor{UserID: "alice", Role: tool.RoleContributor}
	bob   = tool.Actor{UserID: "bob", Role: tool.RoleContributor}
	admin = tool.Actor{UserID: "root-admin", Role: tool.RoleAdmin}
	super = tool.Actor{UserID: "ops", Role: tool.RoleSuperuser}
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

type fixture struct {
	svc    *Service
	locks  *draftlock.Service
	store  *redisstore.Store
	clock  *tool.ManualClock
	mu     sync.Mutex
	events []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := redisstore.NewRedisStore(context.Background(), "redis://"+srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, clock: tool.NewManualClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))}
	local := bus.NewLocalBus()
	_, err = local.Subscribe("tool.version.*", func(ev tool.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev.Type)
		f.mu.Unlock()
	})
	require.NoError(t, err)
	f.svc = New(store, WithClock(f.clock), WithIDs(&seqIDs{}), WithEvents(local), WithLockTTL(10*time.Minute))
	f.locks = draftlock.New(store, draftlock.WithClock(f.clock), draftlock.WithTTL(10*time.Minute))

	_, err = f.svc.CreateTool(context.Background(), alice, NewTool{
		ID:          "t1",
		Slug:        "pdf-merge",
		Title:       "PDF merge",
		Category:    "documents",
		Maintainers: []string{"bob"},
	})
	require.NoError(t, err)
	return f
}

func content(src string) tool.Content {
	return tool.Content{
		Entrypoint:  "main.py",
		SourceCode:  src,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

// checkInvariants asserts at most one DRAFT, at most one ACTIVE, and that
// the tool's pointer agrees with the ACTIVE row.
func checkInvariants(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	versions, err := f.store.ListVersions(ctx, "t1")
	require.NoError(t, err)
	tl, err := f.store.GetTool(ctx, "t1")
	require.NoError(t, err)

	drafts, actives := 0, ""
	seen := map[int64]bool{}
	for _, v := range versions {
		require.False(t, seen[v.Number], "version number %d reused", v.Number)
		seen[v.Number] = true
		switch v.State {
		case tool.StateDraft:
			drafts++
		case tool.StateActive:
			require.Empty(t, actives, "two ACTIVE versions")
			actives = v.ID
		}
	}
	require.LessOrEqual(t, drafts, 1)
	require.Equal(t, actives, tl.ActiveVersionID)
}

func TestRoundTripCreateSaveSubmitPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("print(1)"), "first cut")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v1.Number)
	assert.Equal(t, tool.StateDraft, v1.State)
	assert.Equal(t, tool.ContentHash("main.py", "print(1)"), v1.ContentHash)

	_, err = f.locks.Acquire(ctx, alice, "t1", v1.ID, false)
	require.NoError(t, err)

	saved, err := f.svc.SaveDraft(ctx, alice, "t1", SaveDraft{
		VersionID:               v1.ID,
		ExpectedParentVersionID: v1.ID,
		Content:                 content("print(2)"),
	})
	require.NoError(t, err)
	v2 := saved.Version
	assert.EqualValues(t, 2, v2.Number)
	assert.Equal(t, v1.ID, v2.DerivedFromVersionID)
	assert.Equal(t, v2.ID, saved.Lock.DraftHeadID)
	assert.Equal(t, "alice", saved.Lock.LockedByUserID)

	lock, err := f.store.GetDraftLock(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, lock.DraftHeadID)

	_, err = f.svc.SaveDraft(ctx, alice, "t1", SaveDraft{
		VersionID:               v1.ID,
		ExpectedParentVersionID: v1.ID,
		Content:                 content("print(2)"),
	})
	require.True(t, tool.IsCode(err, tool.CodeConflict), "replayed save: %v", err)

	submitted, err := f.svc.SubmitForReview(ctx, alice, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateInReview, submitted.State)
	assert.Equal(t, "alice", submitted.SubmittedForReviewBy)
	lock, err = f.store.GetDraftLock(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, lock, "submission drops the lock on the submitted draft")

	active, err := f.svc.Publish(ctx, admin, v2.ID, "")
	require.NoError(t, err)
	assert.Equal(t, tool.StateActive, active.State)
	assert.Equal(t, v2.ID, active.DerivedFromVersionID)
	assert.EqualValues(t, 3, active.Number)
	assert.Equal(t, "print(2)", active.SourceCode)
	assert.Equal(t, "root-admin", active.CreatedByUserID)

	tl, err := f.store.GetTool(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, active.ID, tl.ActiveVersionID)
	assert.True(t, tl.IsPublished)

	for _, id := range []string{v1.ID, v2.ID} {
		v, err := f.store.GetVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tool.StateArchived, v.State, "predecessor %s", id)
	}
	reviewed, err := f.store.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, "root-admin", reviewed.PublishedBy)
	require.NotNil(t, reviewed.ReviewedAt)

	// The derivation chain leads back to the first draft.
	chain := []string{active.ID}
	cur := active
	for cur.DerivedFromVersionID != "" {
		cur, err = f.store.GetVersion(ctx, cur.DerivedFromVersionID)
		require.NoError(t, err)
		chain = append(chain, cur.ID)
	}
	assert.Equal(t, []string{active.ID, v2.ID, v1.ID}, chain)

	checkInvariants(t, f)
	assert.Equal(t, []string{
		tool.EventDraftCreated, tool.EventDraftSaved, tool.EventSubmitted, tool.EventPublished,
	}, f.events)
}

func TestCreateDraftConflictsWithExistingDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.svc.CreateDraft(ctx, bob, "t1", "", content("b"), "")
	var te *tool.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tool.CodeConflict, te.Code)
	assert.Equal(t, v1.ID, te.Details["current"])
	checkInvariants(t, f)
}

func TestCreateDraftGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDraft(ctx, tool.Actor{UserID: "mallory", Role: tool.RoleContributor}, "t1", "", content("a"), "")
	assert.True(t, tool.IsCode(err, tool.CodeForbidden), "non-maintainer: %v", err)

	_, err = f.svc.CreateDraft(ctx, alice, "t1", "", tool.Content{SourceCode: "x"}, "")
	assert.True(t, tool.IsCode(err, tool.CodeValidation), "no entrypoint: %v", err)

	bad := content("a")
	bad.SettingsSchema = json.RawMessage(`{"type": 12}`)
	_, err = f.svc.CreateDraft(ctx, alice, "t1", "", bad, "")
	assert.True(t, tool.IsCode(err, tool.CodeValidation), "bad schema: %v", err)

	_, err = f.svc.CreateDraft(ctx, alice, "t1", "ghost", content("a"), "")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "unknown parent: %v", err)

	_, err = f.svc.CreateDraft(ctx, alice, "nope", "", content("a"), "")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "unknown tool: %v", err)
}

func TestSaveDraftRequiresOwnLiveLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	req := SaveDraft{VersionID: v1.ID, ExpectedParentVersionID: v1.ID, Content: content("b")}

	_, err = f.svc.SaveDraft(ctx, alice, "t1", req)
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "no lock: %v", err)

	_, err = f.locks.Acquire(ctx, bob, "t1", v1.ID, false)
	require.NoError(t, err)
	_, err = f.svc.SaveDraft(ctx, alice, "t1", req)
	assert.True(t, tool.IsCode(err, tool.CodeForbidden), "lock held by bob: %v", err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.SaveDraft(ctx, bob, "t1", req)
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "expired lock: %v", err)
	checkInvariants(t, f)
}

func TestSaveDraftRefreshesLockTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, alice, "t1", v1.ID, false)
	require.NoError(t, err)

	f.clock.Advance(9 * time.Minute)
	saved, err := f.svc.SaveDraft(ctx, alice, "t1", SaveDraft{VersionID: v1.ID, ExpectedParentVersionID: v1.ID, Content: content("b")})
	require.NoError(t, err)
	assert.True(t, saved.Lock.ExpiresAt.Equal(f.clock.Now().Add(10*time.Minute)))
}

func TestConcurrentSavesExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, alice, "t1", v1.ID, false)
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		src := fmt.Sprintf("print(%d)", i)
		g.Go(func() error {
			_, err := f.svc.SaveDraft(ctx, alice, "t1", SaveDraft{
				VersionID:               v1.ID,
				ExpectedParentVersionID: v1.ID,
				Content:                 content(src),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case tool.IsCode(err, tool.CodeConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 3, conflicts.Load())
	checkInvariants(t, f)
}

func TestSubmitForReviewChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)

	_, err = f.locks.Acquire(ctx, bob, "t1", v1.ID, false)
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, alice, v1.ID)
	assert.True(t, tool.IsCode(err, tool.CodeForbidden), "bob holds the lock: %v", err)
	require.NoError(t, f.locks.Release(ctx, bob, "t1"))

	_, err = f.svc.SubmitForReview(ctx, alice, v1.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitForReview(ctx, alice, v1.ID)
	var te *tool.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tool.CodeConflict, te.Code)
	assert.Equal(t, "DRAFT", te.Details["expected"])
	assert.Equal(t, "IN_REVIEW", te.Details["current"])
}

func TestSubmitRejectsPlaceholderSlug(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateTool(ctx, alice, NewTool{ID: "t2", Slug: "untitled-7", Category: "documents"})
	require.NoError(t, err)
	v, err := f.svc.CreateDraft(ctx, alice, "t2", "", content("a"), "")
	require.NoError(t, err)

	_, err = f.svc.SubmitForReview(ctx, alice, v.ID)
	assert.True(t, tool.IsCode(err, tool.CodeValidation), "placeholder slug: %v", err)

	got, err := f.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateDraft, got.State)
}

// publishFresh drives a new draft all the way to ACTIVE.
func publishFresh(t *testing.T, f *fixture, src, summary string) *tool.Version {
	t.Helper()
	ctx := context.Background()
	v, err := f.svc.CreateDraft(ctx, alice, "t1", "", content(src), summary)
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, alice, v.ID)
	require.NoError(t, err)
	active, err := f.svc.Publish(ctx, admin, v.ID, "")
	require.NoError(t, err)
	return active
}

func TestPublishArchivesPreviousActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := publishFresh(t, f, "one", "initial release")
	assert.Equal(t, "initial release", first.ChangeSummary, "falls back to the reviewed summary")

	second := publishFresh(t, f, "two", "")
	prev, err := f.store.GetVersion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateArchived, prev.State)
	assert.Equal(t, first.ContentHash, prev.ContentHash)
	assert.Equal(t, "root-admin", prev.PublishedBy, "archiving the old active touches only its state")

	tl, err := f.store.GetTool(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, tl.ActiveVersionID)
	checkInvariants(t, f)
}

func TestPublishGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, alice, v.ID, "")
	assert.True(t, tool.IsCode(err, tool.CodeForbidden), "contributor publish: %v", err)

	_, err = f.svc.Publish(ctx, admin, v.ID, "")
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "draft is not in review: %v", err)

	_, err = f.svc.Publish(ctx, admin, "ghost", "")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "unknown version: %v", err)
}

func TestRequestChangesReopensDraftForAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CreateDraft(ctx, bob, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, bob, v.ID)
	require.NoError(t, err)

	draft, err := f.svc.RequestChanges(ctx, admin, v.ID, "please add tests")
	require.NoError(t, err)
	assert.Equal(t, tool.StateDraft, draft.State)
	assert.Equal(t, "bob", draft.CreatedByUserID)
	assert.Equal(t, v.ID, draft.DerivedFromVersionID)
	assert.Equal(t, "please add tests", draft.ChangeSummary)
	assert.Equal(t, v.ContentHash, draft.ContentHash)

	reviewed, err := f.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateArchived, reviewed.State)
	assert.Equal(t, "root-admin", reviewed.ReviewedBy)
	assert.Equal(t, "please add tests", reviewed.ReviewNote)
	checkInvariants(t, f)
}

func TestRequestChangesConflictsWithOpenDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, alice, v.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateDraft(ctx, alice, "t1", "", content("b"), "")
	require.NoError(t, err)

	_, err = f.svc.RequestChanges(ctx, admin, v.ID, "nope")
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "second draft: %v", err)
	checkInvariants(t, f)
}

func TestRollbackReinstatesArchivedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := publishFresh(t, f, "one", "")
	second := publishFresh(t, f, "two", "")

	_, err := f.svc.Rollback(ctx, super, second.ID)
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "active is not archived: %v", err)

	restored, err := f.svc.Rollback(ctx, super, first.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateActive, restored.State)
	assert.Equal(t, "one", restored.SourceCode)
	assert.Equal(t, first.ID, restored.DerivedFromVersionID)
	assert.Equal(t, fmt.Sprintf("Rollback to version %d", first.Number), restored.ChangeSummary)

	old, err := f.store.GetVersion(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.StateArchived, old.State)
	checkInvariants(t, f)
}

func TestRollbackPublishesNeverPublishedTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.CreateDraft(ctx, alice, "t1", "", content("a"), "")
	require.NoError(t, err)
	_, err = f.locks.Acquire(ctx, alice, "t1", v1.ID, false)
	require.NoError(t, err)
	_, err = f.svc.SaveDraft(ctx, alice, "t1", SaveDraft{VersionID: v1.ID, ExpectedParentVersionID: v1.ID, Content: content("b")})
	require.NoError(t, err)

	archived, err := f.store.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, tool.StateArchived, archived.State)

	restored, err := f.svc.Rollback(ctx, super, v1.ID)
	require.NoError(t, err)
	tl, err := f.store.GetTool(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tl.IsPublished, "an ACTIVE version makes the tool published")
	assert.Equal(t, restored.ID, tl.ActiveVersionID)

	got, err := f.svc.GetTool(ctx, tool.Actor{UserID: "end-user", Role: tool.RoleUser}, "t1")
	require.NoError(t, err)
	assert.Equal(t, restored.ID, got.ActiveVersionID)
	checkInvariants(t, f)
}

type countingStore struct {
	Store
	calls atomic.Int32
}

func (c *countingStore) GetTool(ctx context.Context, id string) (*tool.Tool, error) {
	c.calls.Add(1)
	return c.Store.GetTool(ctx, id)
}

func (c *countingStore) GetVersion(ctx context.Context, id string) (*tool.Version, error) {
	c.calls.Add(1)
	return c.Store.GetVersion(ctx, id)
}

func (c *countingStore) InToolTx(ctx context.Context, toolID string, fn func(tool.VersionTx) error) error {
	c.calls.Add(1)
	return c.Store.InToolTx(ctx, toolID, fn)
}

func (c *countingStore) ListVersions(ctx context.Context, toolID string) ([]*tool.Version, error) {
	c.calls.Add(1)
	return c.Store.ListVersions(ctx, toolID)
}

func TestRollbackByNonSuperuserReadsNothing(t *testing.T) {
	f := newFixture(t)
	first := publishFresh(t, f, "one", "")
	publishFresh(t, f, "two", "")

	counting := &countingStore{Store: f.store}
	svc := New(counting, WithClock(f.clock))
	for _, actor := range []tool.Actor{alice, admin} {
		_, err := svc.Rollback(context.Background(), actor, first.ID)
		assert.True(t, tool.IsCode(err, tool.CodeForbidden), "%s: %v", actor.Role, err)
	}
	assert.Zero(t, counting.calls.Load())
}

func TestGetToolHidesUnpublishedFromUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := tool.Actor{UserID: "end-user", Role: tool.RoleUser}

	_, err := f.svc.GetTool(ctx, user, "t1")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "%v", err)
	got, err := f.svc.GetTool(ctx, bob, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pdf-merge", got.Slug)

	publishFresh(t, f, "one", "")
	got, err = f.svc.GetTool(ctx, user, "t1")
	require.NoError(t, err)
	assert.True(t, got.IsPublished)

	_, err = f.svc.GetTool(ctx, tool.Actor{}, "t1")
	assert.True(t, tool.IsCode(err, tool.CodeForbidden), "%v", err)
}
