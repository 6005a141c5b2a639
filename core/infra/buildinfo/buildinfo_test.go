package buildinfo

import (
	"testing"

	"github.com/cordum/toolforge/core/infra/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoAndLog(t *testing.T) {
	origVersion := Version
	origCommit := Commit
	origDate := Date
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
		Date = origDate
	})

	Version = "1.2.3"
	Commit = "abc123"
	Date = "2024-01-02"

	info := Info()
	if info != "version=1.2.3 commit=abc123 date=2024-01-02" {
		t.Fatalf("unexpected info: %s", info)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	t.Cleanup(logging.SetLogger(zap.New(core)))

	Log("toolforge")
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["component"] != "toolforge" || fields["version"] != "1.2.3" || fields["commit"] != "abc123" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
}
