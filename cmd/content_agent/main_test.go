package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/config"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

var outputs = map[orchestration.Stage]json.RawMessage{
	orchestration.StageResearch: json.RawMessage(`{"summary":"s","findings":[{"topic":"t","insight":"i"}]}`),
	orchestration.StageIdeation: json.RawMessage(`{"ideas":[{"id":"i1","title":"t"}]}`),
	orchestration.StageCritique: json.RawMessage(`{"critiques":[{"idea_id":"i1","score":7}]}`),
	orchestration.StageAnalysis: json.RawMessage(`{"selected_idea_id":"i1","outline":["a"]}`),
	orchestration.StageWriting:  json.RawMessage(`{"title":"t","content":"c"}`),
}

// fakeWorkers succeed at every stage except failAt, which reports a malformed output.
func fakeWorkers(failAt orchestration.Stage) workerFactory {
	return func(context.Context, *config.Config) (map[orchestration.Stage]orchestration.Worker, func(), error) {
		out := make(map[orchestration.Stage]orchestration.Worker)
		for _, st := range orchestration.Stages {
			st := st
			out[st] = orchestration.WorkerFunc(func(context.Context, orchestration.StageInput) orchestration.Result {
				if st == failAt {
					return orchestration.Result{Error: "malformed output from model"}
				}
				return orchestration.Result{Success: true, Data: outputs[st]}
			})
		}
		return out, func() {}, nil
	}
}

type harness struct {
	t       *testing.T
	dbPath  string
	workers workerFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	for _, name := range []string{"DATABASE_URL", "GEMINI_API_KEY", "REDIS_URL", "CONTENT_STORAGE"} {
		t.Setenv(name, "")
	}
	return &harness{
		t:       t,
		dbPath:  filepath.Join(t.TempDir(), "content.db"),
		workers: fakeWorkers(""),
	}
}

// exec runs one CLI invocation against the harness database.
func (h *harness) exec(args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer

	c := newCLI()
	c.stderr = &stderr
	c.workers = h.workers

	root := newRootCmd(c)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--storage", "sqlite", "--sqlite-path", h.dbPath, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRun_CompletesAndIsInspectable(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("run", "--theme", "go generics", "--user", "u1", "--session", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN RESULT")
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "[100%]")

	out, err = h.exec("status", "--session", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "research, ideation, critique, analysis, writing")

	out, err = h.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "go generics")

	out, err = h.exec("checkpoints", "--session", "sess-1", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "2 checkpoints")
	assert.Contains(t, out, "writing")
}

func TestRun_RequiresFlags(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("run", "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "theme")
}

func TestRun_FailureThenResume(t *testing.T) {
	h := newHarness(t)
	h.workers = fakeWorkers(orchestration.StageCritique)

	out, err := h.exec("run", "--theme", "t", "--user", "u1", "--session", "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sess-1 failed")
	assert.Contains(t, out, "VALIDATION_ERROR")

	out, err = h.exec("status", "--session", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "error")

	h.workers = fakeWorkers("")
	out, err = h.exec("resume", "--session", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
}

func TestResume_UnknownSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("resume", "--session", "missing")
	require.Error(t, err)
}

func TestStatus_UnknownSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("status", "--session", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestCheckpoints_InvalidLimit(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("checkpoints", "--session", "s", "--limit", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit")
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec("run", "--theme", "t", "--user", "u1", "--session", "sess-1")
	require.NoError(t, err)

	out, err := h.exec("cleanup", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 checkpoints older than 7 days")

	_, err = h.exec("cleanup", "--days", "0")
	require.Error(t, err)
}

func TestMigrate_SQLite(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied migration")

	out, err = h.exec("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date")
}

func TestConfigFlagAndFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: 99\n"), 0o644))

	_, err := h.exec("--config", path, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxRetries")
}

func TestLLMWorkers_RequiresAPIKey(t *testing.T) {
	_, _, err := llmWorkers(context.Background(), &config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini_api_key")
}
