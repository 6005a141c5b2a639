package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "version=")
}

func TestPolicyCommandFallsBackToDefaults(t *testing.T) {
	t.Setenv("LIFECYCLE_POLICY_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	out, err := runRoot(t, "policy")
	require.NoError(t, err)
	require.Contains(t, out, "draft_lock_ttl: 15m0s")
}

func TestPolicyCommandReadsFlagFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("draft_lock_ttl_seconds: 60\n"), 0o600))
	out, err := runRoot(t, "policy", "--policy", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, "draft_lock_ttl: 1m0s", lines[0])
}

func TestPolicyCommandRejectsMissingExplicitFile(t *testing.T) {
	_, err := runRoot(t, "policy", "--policy", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
