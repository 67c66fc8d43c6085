package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orbit/internal/daemon"
	"github.com/msageha/orbit/internal/service"
	"github.com/msageha/orbit/internal/setup"
)

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no args", nil, "Usage:"},
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"svc without subcommand", []string{"svc"}, "usage: orbit svc"},
		{"svc status without name", []string{"svc", "status"}, "usage: orbit svc status <name>"},
		{"bad cpu id", []string{"cpu", "online", "x"}, "invalid cpu id: x"},
		{"logs bad count", []string{"svc", "logs", "-n", "many"}, "invalid -n value: many"},
		{"missing flag value", []string{"svc", "select", "web", "--key"}, "--key requires a value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "orbit "+version+"\n", stdout)
}

func TestRun_HelpGoesToStdout(t *testing.T) {
	code, stdout, stderr := runCLI("--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Exit codes:")
	assert.Empty(t, stderr)
}

func TestRun_Setup(t *testing.T) {
	dir := t.TempDir()
	code, stdout, stderr := runCLI("setup", dir, "--cpus", "2", "--policy", "fp")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, filepath.Join(dir, setup.DirName))

	code, _, stderr = runCLI("setup", dir)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "already exists")

	code, _, stderr = runCLI("setup", t.TempDir(), "--policy", "lottery")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "orbit:")
}

func TestRun_StatusWithoutDaemon(t *testing.T) {
	t.Setenv(dirEnv, t.TempDir())

	code, stdout, stderr := runCLI("status")
	assert.Equal(t, 4, code)
	assert.Equal(t, "Daemon: stopped\n", stdout)
	assert.Contains(t, stderr, "Is the daemon running?")
}

func TestFindOrbitDir_WalksUp(t *testing.T) {
	t.Setenv(dirEnv, "")
	root := t.TempDir()
	base := filepath.Join(root, setup.DirName)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(base, 0755))
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)

	got, err := findOrbitDir()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotResolved)
}

func TestRun_AgainstLiveDaemon(t *testing.T) {
	// Unix socket paths are length-limited, so stay out of long TMPDIRs.
	root, err := os.MkdirTemp("/tmp", "o-c-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	base, err := setup.Run(root, setup.Options{CPUs: 2})
	require.NoError(t, err)
	cfg, err := daemon.LoadConfig(base)
	require.NoError(t, err)
	d, err := daemon.New(base, cfg)
	require.NoError(t, err)
	require.NoError(t, d.Boot())
	t.Cleanup(d.Shutdown)
	t.Setenv(dirEnv, base)

	code, stdout, stderr := runCLI("svc", "list", "--json")
	require.Equal(t, 0, code, stderr)
	var infos []service.Info
	require.NoError(t, json.Unmarshal([]byte(stdout), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "example", infos[0].Name)
	assert.False(t, infos[0].Enabled)

	code, stdout, _ = runCLI("status")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Daemon: running")

	code, stdout, stderr = runCLI("svc", "config", "set", "example", "settings.greeting", "hi")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "example: config version")

	code, stdout, _ = runCLI("svc", "config", "get", "example", "settings.greeting")
	assert.Equal(t, 0, code)
	assert.Equal(t, "settings.greeting = hi\n", stdout)

	code, _, stderr = runCLI("svc", "status", "ghost")
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(stderr, "orbit: "), stderr)

	code, stdout, _ = runCLI("sched", "threads")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "TID")
}

func TestRun_LogsFallBackToJournalWhenDaemonIsDown(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(dirEnv, dir)
	path := daemon.JournalPath(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	journal := strings.Join([]string{
		`{"seq":1,"timestamp":"2026-01-02T03:04:05Z","event_type":"state_change","subject":"web","details":{"to":"starting"}}`,
		`{"seq":2,"timestamp":"2026-01-02T03:04:06Z","event_type":"state_change","subject":"db","details":{"to":"running"}}`,
		`{"seq":3,"timestamp":"2026-01-02T03:04:07Z","event_type":"state_change","subject":"web","details":{"to":"running"}}`,
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(journal), 0644))

	code, stdout, stderr := runCLI("svc", "logs", "web", "-n", "1")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "to=running")
	assert.Contains(t, lines[0], "web")
}
