package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/toolforge/core/store/storetest"
	"github.com/cordum/toolforge/core/tool"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore(context.Background(), "redis://"+srv.Addr(), opts...)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tool.Store {
		store, _ := newTestStore(t)
		return store
	})
}

func TestInToolTxGivesUpAfterRetries(t *testing.T) {
	store, srv := newTestStore(t, WithMaxRetries(3))
	storetest.SeedTool(t, store, "t1")
	ctx := context.Background()

	attempts := 0
	err := store.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		attempts++
		if _, err := tx.Tool(ctx); err != nil {
			return err
		}
		// Another writer commits between our read and our EXEC.
		if _, err := srv.Incr(toolRevKey("t1"), 1); err != nil {
			return err
		}
		return tx.InsertVersion(ctx, storetest.NewVersion("t1", "v1", 1, tool.StateDraft))
	})
	if !tool.IsCode(err, tool.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if _, err := store.GetVersion(ctx, "v1"); !tool.IsCode(err, tool.CodeNotFound) {
		t.Fatalf("aborted insert leaked: %v", err)
	}
}

func TestInToolTxRetriesThenCommits(t *testing.T) {
	store, srv := newTestStore(t)
	storetest.SeedTool(t, store, "t1")
	ctx := context.Background()

	attempts := 0
	err := store.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		attempts++
		if _, err := tx.Tool(ctx); err != nil {
			return err
		}
		if attempts == 1 {
			if _, err := srv.Incr(toolRevKey("t1"), 1); err != nil {
				return err
			}
		}
		return tx.InsertVersion(ctx, storetest.NewVersion("t1", "v1", 1, tool.StateDraft))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	rev, err := srv.Get(toolRevKey("t1"))
	if err != nil {
		t.Fatalf("rev: %v", err)
	}
	if rev != "2" {
		t.Fatalf("expected rev 2 after external bump and commit, got %s", rev)
	}
}

func TestReadOnlyTxDoesNotBumpRevision(t *testing.T) {
	store, srv := newTestStore(t)
	storetest.SeedTool(t, store, "t1")
	ctx := context.Background()

	if err := store.InToolTx(ctx, "t1", func(tx tool.VersionTx) error {
		_, err := tx.DraftHead(ctx)
		return err
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if srv.Exists(toolRevKey("t1")) {
		t.Fatalf("read-only transaction wrote the revision key")
	}
}

func TestInToolTxPropagatesCallbackError(t *testing.T) {
	store, _ := newTestStore(t)
	storetest.SeedTool(t, store, "t1")
	sentinel := errors.New("stop")
	calls := 0
	err := store.InToolTx(context.Background(), "t1", func(tool.VersionTx) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("expected sentinel after one call, got %v (calls=%d)", err, calls)
	}
}

func TestSnapshotKeyOutlivesExpiryByGrace(t *testing.T) {
	store, srv := newTestStore(t, WithSnapshotGrace(5*time.Minute))
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	snap := &tool.Snapshot{
		ID:          "s1",
		ToolID:      "t1",
		DraftHeadID: "v1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := store.CreateSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := srv.TTL(snapshotKey("s1")); ttl != time.Hour+5*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	srv.FastForward(2 * time.Hour)
	if _, err := store.GetSnapshot(context.Background(), "s1"); !tool.IsCode(err, tool.CodeNotFound) {
		t.Fatalf("expected evicted snapshot, got %v", err)
	}
}

func TestSessionKeyEscapesSeparators(t *testing.T) {
	a := sessionKey(tool.SessionKey{ToolID: "t:1", UserID: "u", Context: "default"})
	b := sessionKey(tool.SessionKey{ToolID: "t", UserID: "1:u", Context: "default"})
	if a == b {
		t.Fatalf("distinct keys collided: %s", a)
	}
}

func TestCreateToolRequiresIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.CreateTool(context.Background(), &tool.Tool{ID: "t1"})
	if !tool.IsCode(err, tool.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
