package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/calmcompanion/internal/app"
	"github.com/ent0n29/calmcompanion/internal/config"
	"github.com/ent0n29/calmcompanion/internal/pipeline"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	built, err := app.Build(context.Background(), config.Config{
		MetricsNamespace: "calmctl_test",
		LogLevel:         "error",
		LogFormat:        "text",
		Tracing:          "none",
		ReplyProvider:    "none",
	}, app.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	srv := httptest.NewServer(built.API.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = built.Cleanup(context.Background())
	})
	return srv
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("CALMCTL_BASE_URL", "")
	t.Setenv("CALMCTL_OUTPUT", "")

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTurnJSONOutput(t *testing.T) {
	srv := newServer(t)

	stdout, _, err := executeCLI(t, t.TempDir(),
		"--base-url", srv.URL,
		"turn", "--session", "den", "--text", "I want to go home, where is the door",
	)
	require.NoError(t, err)
	require.True(t, json.Valid([]byte(stdout)), stdout)

	var res pipeline.TurnResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "den", res.SessionID)
	assert.Equal(t, 1, res.TurnCount)
	assert.True(t, res.Triggers["exit-seeking"])
	assert.NotEmpty(t, res.Reply)
}

func TestTurnTextOutput(t *testing.T) {
	srv := newServer(t)

	stdout, _, err := executeCLI(t, t.TempDir(),
		"--base-url", srv.URL, "-o", "text",
		"turn", "-s", "den", "-t", "where is my wife",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "session den turn 1")
	assert.Contains(t, stdout, "risk:")
	assert.Contains(t, stdout, "reply (")
}

func TestTurnRequiresSession(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "turn", "--text", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "session" not set`)
}

func TestTurnReportsServerValidation(t *testing.T) {
	srv := newServer(t)

	_, _, err := executeCLI(t, t.TempDir(), "--base-url", srv.URL, "turn", "--session", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400 invalid_input")
}

func TestBaseURLFromEnvAndConfigFile(t *testing.T) {
	srv := newServer(t)
	home := t.TempDir()

	dir := filepath.Join(home, ".config", "calmctl")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("base_url: "+srv.URL+"\noutput: text\n"), 0o644))

	stdout, _, err := executeCLI(t, home, "aggregate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "turns: 0")

	t.Setenv("HOME", t.TempDir())
	t.Setenv("CALMCTL_BASE_URL", srv.URL)
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"-o", "text", "health"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "status: ready")
}

func TestSummaryHistoryAndEvents(t *testing.T) {
	srv := newServer(t)
	home := t.TempDir()

	for _, text := range []string{"it hurts, my knee hurts", "I'm hungry"} {
		_, _, err := executeCLI(t, home, "--base-url", srv.URL, "turn", "-s", "porch", "-t", text)
		require.NoError(t, err)
	}

	stdout, _, err := executeCLI(t, home, "--base-url", srv.URL, "-o", "text", "summary", "porch")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session porch: 2 turns")

	stdout, _, err = executeCLI(t, home, "--base-url", srv.URL, "-o", "text", "summary", "nobody")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session nobody has no turns")

	stdout, _, err = executeCLI(t, home, "--base-url", srv.URL, "history", "porch", "-n", "1")
	require.NoError(t, err)
	var hist historyResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &hist))
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, "I'm hungry", hist.Turns[0].Text)

	_, _, err = executeCLI(t, home, "--base-url", srv.URL, "history", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no session "nobody"`)

	stdout, _, err = executeCLI(t, home, "--base-url", srv.URL, "events", "-n", "5")
	require.NoError(t, err)
	var evs eventsResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &evs))
	assert.Equal(t, 2, evs.Count)
}

func TestTipsSearch(t *testing.T) {
	srv := newServer(t)

	stdout, _, err := executeCLI(t, t.TempDir(), "--base-url", srv.URL, "tips", "door", "leave", "-k", "1")
	require.NoError(t, err)
	var res tipsResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "door leave", res.Query)
	require.Len(t, res.Tips, 1)
	assert.NotEmpty(t, res.Tips[0].Title)
}

func TestInvalidOutputFormat(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "-o", "yaml", "aggregate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output")
}
