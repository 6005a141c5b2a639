// Package storetest is a conformance suite every tool.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/toolforge/core/tool"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) tool.Store

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Tools", func(t *testing.T) { testTools(t, newStore(t)) })
	t.Run("TxCommitAndRollback", func(t *testing.T) { testTxCommitAndRollback(t, newStore(t)) })
	t.Run("TxReadsOwnWrites", func(t *testing.T) { testTxReadsOwnWrites(t, newStore(t)) })
	t.Run("TxVersionImmutable", func(t *testing.T) { testTxVersionImmutable(t, newStore(t)) })
	t.Run("TxMissingTool", func(t *testing.T) { testTxMissingTool(t, newStore(t)) })
	t.Run("TxDraftLock", func(t *testing.T) { testTxDraftLock(t, newStore(t)) })
	t.Run("TxConcurrentNumbering", func(t *testing.T) { testTxConcurrentNumbering(t, newStore(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("SessionsConcurrentCAS", func(t *testing.T) { testSessionsConcurrentCAS(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
}

// SeedTool creates a minimal catalog row.
func SeedTool(t *testing.T, s tool.ToolCatalog, id string) *tool.Tool {
	t.Helper()
	tl := &tool.Tool{
		ID:        id,
		Slug:      "slug-" + id,
		Title:     "Tool " + id,
		Category:  "utilities",
		OwnerID:   "owner-" + id,
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.CreateTool(context.Background(), tl))
	return tl
}

// NewVersion builds a version row for tests.
func NewVersion(toolID, id string, number int64, state tool.State) *tool.Version {
	src := fmt.Sprintf("print(%q)", id)
	return &tool.Version{
		ID:              id,
		ToolID:          toolID,
		Number:          number,
		State:           state,
		Content:         tool.Content{Entrypoint: "main.py", SourceCode: src},
		ContentHash:     tool.ContentHash("main.py", src),
		CreatedByUserID: "author",
		CreatedAt:       base.Add(time.Duration(number) * time.Minute),
	}
}

func testTools(t *testing.T, s tool.Store) {
	ctx := context.Background()
	tl := SeedTool(t, s, "t1")

	got, err := s.GetTool(ctx, "t1")
	require.NoError(t, err)
	if diff := cmp.Diff(tl, got); diff != "" {
		t.Fatalf("tool mismatch (-want +got):\n%s", diff)
	}

	err = s.CreateTool(ctx, tl)
	assert.True(t, tool.IsCode(err, tool.CodeConflict), "duplicate create: %v", err)

	_, err = s.GetTool(ctx, "missing")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "missing tool: %v", err)

	_, err = s.ListVersions(ctx, "missing")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "list missing tool: %v", err)
}

func testTxCommitAndRollback(t *testing.T, s tool.Store) {
	ctx := context.Background()
	SeedTool(t, s, "t1")
	boom := errors.New("boom")

	err := s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		require.NoError(t, tx.InsertVersion(ctx, NewVersion("t1", "v1", 1, tool.StateDraft)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetVersion(ctx, "v1")
	require.True(t, tool.IsCode(err, tool.CodeNotFound), "rolled back insert visible: %v", err)

	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		return tx.InsertVersion(ctx, NewVersion("t1", "v1", 1, tool.StateDraft))
	}))
	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		return tx.InsertVersion(ctx, NewVersion("t1", "v2", 2, tool.StateArchived))
	}))

	v1, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, tool.StateDraft, v1.State)
	assert.Equal(t, "main.py", v1.Entrypoint)

	list, err := s.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v2", list[0].ID)
	assert.Equal(t, "v1", list[1].ID)

	head, err := s.GetDraftHead(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "v1", head.ID)
}

func testTxReadsOwnWrites(t *testing.T, s tool.Store) {
	ctx := context.Background()
	SeedTool(t, s, "t1")
	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		return tx.InsertVersion(ctx, NewVersion("t1", "v1", 1, tool.StateDraft))
	}))

	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		head, err := tx.DraftHead(ctx)
		require.NoError(t, err)
		require.Equal(t, "v1", head.ID)

		head.State = tool.StateArchived
		head.ReviewedBy = "admin"
		head.ReviewedAt = tool.TimePtr(base)
		require.NoError(t, tx.UpdateVersion(ctx, head))

		next, err := tx.NextVersionNumber(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, next)

		active := NewVersion("t1", "v2", next, tool.StateActive)
		require.NoError(t, tx.InsertVersion(ctx, active))

		tl, err := tx.Tool(ctx)
		require.NoError(t, err)
		tl.ActiveVersionID = "v2"
		tl.IsPublished = true
		require.NoError(t, tx.UpdateTool(ctx, tl))

		none, err := tx.DraftHead(ctx)
		require.NoError(t, err)
		require.Nil(t, none)

		got, err := tx.ActiveVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, "v2", got.ID)

		err = tx.InsertVersion(ctx, NewVersion("t1", "v3", 2, tool.StateArchived))
		require.True(t, tool.IsCode(err, tool.CodeConflict), "duplicate number: %v", err)
		return nil
	}))

	tl, err := s.GetTool(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v2", tl.ActiveVersionID)
	assert.True(t, tl.IsPublished)

	v1, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, tool.StateArchived, v1.State)
	assert.Equal(t, "admin", v1.ReviewedBy)
	require.NotNil(t, v1.ReviewedAt)
	assert.True(t, v1.ReviewedAt.Equal(base))

	_, err = s.GetVersion(ctx, "v3")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound))
}

func testTxVersionImmutable(t *testing.T, s tool.Store) {
	ctx := context.Background()
	SeedTool(t, s, "t1")
	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		return tx.InsertVersion(ctx, NewVersion("t1", "v1", 1, tool.StateDraft))
	}))
	err := s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		v, err := tx.Version(ctx, "v1")
		require.NoError(t, err)
		v.SourceCode = "print('edited')"
		v.ContentHash = tool.ContentHash(v.Entrypoint, v.SourceCode)
		return tx.UpdateVersion(ctx, v)
	})
	assert.True(t, tool.IsCode(err, tool.CodeInternal), "content edit: %v", err)

	v, err := s.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, `print("v1")`, v.SourceCode)
}

func testTxMissingTool(t *testing.T, s tool.Store) {
	ctx := context.Background()
	err := s.InToolTx(ctx, "ghost", func(tx tool.VersionTx) error {
		_, err := tx.Tool(ctx)
		return err
	})
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "missing tool: %v", err)

	SeedTool(t, s, "t1")
	SeedTool(t, s, "t2")
	require.NoError(t, s.InToolTx(ctx, "t2", func(tx tool.VersionTx) error {
		return tx.InsertVersion(ctx, NewVersion("t2", "other", 1, tool.StateDraft))
	}))
	err = s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		_, err := tx.Version(ctx, "other")
		return err
	})
	assert.True(t, tool.IsCode(err, tool.CodeNotFound), "cross-tool version: %v", err)
}

func testTxDraftLock(t *testing.T, s tool.Store) {
	ctx := context.Background()
	SeedTool(t, s, "t1")

	lock, err := s.GetDraftLock(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, lock)

	want := &tool.DraftLock{
		ToolID:         "t1",
		DraftHeadID:    "v1",
		LockedByUserID: "alice",
		LockedAt:       base,
		ExpiresAt:      base.Add(15 * time.Minute),
	}
	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		return tx.PutDraftLock(ctx, want)
	}))
	got, err := s.GetDraftLock(ctx, "t1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lock mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		l, err := tx.DraftLock(ctx)
		require.NoError(t, err)
		require.NotNil(t, l)
		require.NoError(t, tx.DeleteDraftLock(ctx))
		l, err = tx.DraftLock(ctx)
		require.NoError(t, err)
		require.Nil(t, l)
		return nil
	}))
	lock, err = s.GetDraftLock(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func testTxConcurrentNumbering(t *testing.T, s tool.Store) {
	ctx := context.Background()
	SeedTool(t, s, "t1")

	const writers = 6
	var committed, conflicted atomic.Int32
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("v%d", i)
		g.Go(func() error {
			err := s.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
				next, err := tx.NextVersionNumber(ctx)
				if err != nil {
					return err
				}
				return tx.InsertVersion(ctx, NewVersion("t1", id, next, tool.StateArchived))
			})
			switch {
			case err == nil:
				committed.Add(1)
			case tool.IsCode(err, tool.CodeConflict):
				conflicted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, writers, committed.Load()+conflicted.Load())
	require.Positive(t, committed.Load())

	list, err := s.ListVersions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, int(committed.Load()))
	for i, v := range list {
		assert.EqualValues(t, len(list)-i, v.Number, "numbers must be dense and strictly increasing")
	}
}

func testSnapshots(t *testing.T, s tool.Store) {
	ctx := context.Background()
	snap := &tool.Snapshot{
		ID:              "s1",
		ToolID:          "t1",
		DraftHeadID:     "v1",
		CreatedByUserID: "alice",
		Content:         tool.Content{Entrypoint: "m.py", SourceCode: "print"},
		PayloadBytes:    9,
		CreatedAt:       base,
		ExpiresAt:       base.Add(time.Hour),
	}
	require.NoError(t, s.CreateSnapshot(ctx, snap))
	assert.True(t, tool.IsCode(s.CreateSnapshot(ctx, snap), tool.CodeConflict))

	got, err := s.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	later := *snap
	later.ID = "s2"
	later.ExpiresAt = base.Add(3 * time.Hour)
	require.NoError(t, s.CreateSnapshot(ctx, &later))

	n, err := s.PurgeExpiredSnapshots(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetSnapshot(ctx, "s1")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound))
	_, err = s.GetSnapshot(ctx, "s2")
	assert.NoError(t, err)

	n, err = s.PurgeExpiredSnapshots(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSessions(t *testing.T, s tool.Store) {
	ctx := context.Background()
	key := tool.SessionKey{ToolID: "t1", UserID: "u:1", Context: "sandbox:s1"}

	_, err := s.GetSession(ctx, key)
	require.True(t, tool.IsCode(err, tool.CodeNotFound), "missing session: %v", err)
	_, err = s.CompareAndSetState(ctx, key, 0, tool.NewObject(), base)
	require.True(t, tool.IsCode(err, tool.CodeNotFound), "cas on missing: %v", err)

	first, err := s.GetOrCreateSession(ctx, key, "sess-1", base)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first.ID)
	assert.EqualValues(t, 0, first.StateRev)
	assert.Equal(t, 0, first.State.Len())
	assert.Equal(t, key, first.SessionKey)

	again, err := s.GetOrCreateSession(ctx, key, "sess-2", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", again.ID, "get_or_create must return the existing row")
	assert.True(t, again.CreatedAt.Equal(base))

	state := tool.NewObject().Set("step", tool.Int(1)).Set("name", tool.String("x"))
	updated, err := s.CompareAndSetState(ctx, key, 0, state, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.StateRev)
	assert.Equal(t, []string{"step", "name"}, updated.State.Keys())
	assert.True(t, updated.UpdatedAt.Equal(base.Add(2*time.Minute)))

	_, err = s.CompareAndSetState(ctx, key, 0, tool.NewObject(), base)
	var te *tool.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, tool.CodeConflict, te.Code)
	assert.EqualValues(t, 0, te.Details["expected"])
	assert.EqualValues(t, 1, te.Details["current"])

	cleared, err := s.ClearState(ctx, key, false, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, cleared.State.Len())
	assert.EqualValues(t, 1, cleared.StateRev, "clear keeps the revision by default")

	reset, err := s.ClearState(ctx, key, true, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, reset.StateRev)

	other := key
	other.Context = "default"
	_, err = s.ClearState(ctx, other, false, base)
	assert.True(t, tool.IsCode(err, tool.CodeNotFound))
}

func testSessionsConcurrentCAS(t *testing.T, s tool.Store) {
	ctx := context.Background()
	key := tool.SessionKey{ToolID: "t1", UserID: "u1", Context: "default"}
	_, err := s.GetOrCreateSession(ctx, key, "sess", base)
	require.NoError(t, err)

	const racers = 12
	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			state := tool.NewObject().Set("writer", tool.Int(int64(i)))
			_, err := s.CompareAndSetState(ctx, key, 0, state, base)
			switch {
			case err == nil:
				wins.Add(1)
			case tool.IsCode(err, tool.CodeConflict):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, wins.Load(), "exactly one compare-and-set must win")
	assert.EqualValues(t, racers-1, losses.Load())

	final, err := s.GetSession(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, final.StateRev)
}

func testRuns(t *testing.T, s tool.Store) {
	ctx := context.Background()
	mk := func(id string, offset time.Duration) *tool.Run {
		return &tool.Run{
			ID:         id,
			ToolID:     "t1",
			SnapshotID: "s1",
			Context:    tool.RunSandbox,
			UserID:     "alice",
			Status:     tool.RunSucceeded,
			StartedAt:  tool.TimePtr(base.Add(offset)),
			FinishedAt: tool.TimePtr(base.Add(offset + time.Second)),
			Stdout:     "ok",
			UIPayload: tool.UIPayload{
				Outputs:     []tool.Value{tool.String("done")},
				NextActions: []tool.NextAction{{ID: "next", Label: "Next"}},
			},
		}
	}
	require.NoError(t, s.CreateRun(ctx, mk("r1", 0)))
	require.NoError(t, s.CreateRun(ctx, mk("r2", time.Minute)))
	assert.True(t, tool.IsCode(s.CreateRun(ctx, mk("r1", 0)), tool.CodeConflict))

	bad := mk("r3", 0)
	bad.FinishedAt = nil
	assert.True(t, tool.IsCode(s.CreateRun(ctx, bad), tool.CodeInternal))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Stdout)
	require.Len(t, got.UIPayload.NextActions, 1)
	assert.Equal(t, "next", got.UIPayload.NextActions[0].ID)
	require.Len(t, got.UIPayload.Outputs, 1)
	str, _ := got.UIPayload.Outputs[0].AsString()
	assert.Equal(t, "done", str)

	runs, err := s.ListRuns(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, tool.IsCode(err, tool.CodeNotFound))
}
