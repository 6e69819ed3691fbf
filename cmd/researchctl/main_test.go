package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelododaro/open-deep-research/sdk/go/research"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"token", "start", "status", "list", "terminate", "extend", "watch"} {
		assert.True(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /research", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "r1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "research session not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": research.Session{
			ID: "r1", Status: research.StatusRunning, Topic: "fusion",
			Progress: research.Progress{CurrentDepth: 2, CompletedSteps: 4, TotalSteps: 12}, StartTime: start,
		}})
	})
	mux.HandleFunc("POST /research", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(research.CommandResult{
			Success: true, Status: research.StatusManuallyTerminated, Message: "research session terminated",
		})
	})
	mux.HandleFunc("GET /research/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": []research.Session{
			{ID: "r1", Status: research.StatusRunning, Topic: "fusion", StartTime: start},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := apiServer(t)

	out, err := execute(t, "--server", srv.URL, "--token", "tok", "status", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "depth=2 steps=4/12")

	_, err = execute(t, "--server", srv.URL, "--token", "tok", "status", "nope")
	require.Error(t, err)
	assert.True(t, research.IsNotFound(err))
}

func TestTerminateAndListCommands(t *testing.T) {
	srv := apiServer(t)

	out, err := execute(t, "--server", srv.URL, "--token", "tok", "terminate", "r1")
	require.NoError(t, err)
	assert.Equal(t, "research session terminated (status: manually_terminated)\n", out)

	out, err = execute(t, "--server", srv.URL, "--token", "tok", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "fusion")
}

func TestCommandsRequireToken(t *testing.T) {
	t.Setenv("DEEPRESEARCH_TOKEN", "")
	_, err := execute(t, "--token", "", "status", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestTokenCommandNeedsKeys(t *testing.T) {
	_, err := execute(t, "token", "--user", "alice", "--private-key", "", "--public-key", "")
	require.Error(t, err)

	dir := t.TempDir()
	_, err = execute(t, "token", "--user", "alice",
		"--private-key", filepath.Join(dir, "missing.pem"),
		"--public-key", filepath.Join(dir, "missing_pub.pem"))
	require.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
