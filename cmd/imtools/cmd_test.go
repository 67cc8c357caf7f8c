package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/tiles"
)

// fast keeps the simulated microscope instant and its frames tiny.
var fast = []string{"--latency", "0", "--frame-width", "4", "--frame-height", "4"}

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(context.Background(), t, args...)
}

func executeContext(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const acquireWorkflow = `name: acquire
steps:
  - id: move
    name: Move stage
    main: move_stage
    params: {x: 100, y: 50}
  - id: grab
    main: acquire_frame
    params: {channel: Mono}
    post: [process_data]
`

func TestVersionCommandOutputsBuildInfo(t *testing.T) {
	originalVersion, originalCommit, originalDate := version, commit, date
	t.Cleanup(func() {
		version, commit, date = originalVersion, originalCommit, originalDate
	})
	version, commit, date = "1.2.3", "abcdef1", "2026-10-01"

	out, _, err := executeCommand(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "ImTools 1.2.3")
	require.Contains(t, out, "abcdef1")
	require.Contains(t, out, "2026-10-01")
}

func TestOperationsCommandListsRegistry(t *testing.T) {
	t.Parallel()

	out, _, err := executeCommand(t, "operations")
	require.NoError(t, err)
	require.Contains(t, out, "Main operations:")
	require.Contains(t, out, "  move_stage\n")
	require.Contains(t, out, "  save_frame_tile\n")
}

func TestRootRejectsUnknownLogFormat(t *testing.T) {
	t.Parallel()

	_, _, err := executeCommand(t, "--log-format", "xml", "operations")
	require.ErrorContains(t, err, "unknown log format")
}

func TestRunCommandPlainOutput(t *testing.T) {
	t.Parallel()

	path := writeWorkflow(t, acquireWorkflow)
	args := append([]string{"run", "-f", path}, fast...)
	out, _, err := executeCommand(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, "step move (Move stage) started")
	require.Contains(t, out, "step grab completed")
	require.Contains(t, out, "workflow completed at step 2")
	require.Contains(t, out, "ImTools • acquire")
}

func TestRunCommandJSONResults(t *testing.T) {
	t.Parallel()

	path := writeWorkflow(t, acquireWorkflow)
	args := append([]string{"run", "-f", path, "--json", "--log-format", "json"}, fast...)
	out, stderr, err := executeCommand(t, args...)
	require.NoError(t, err)
	require.Contains(t, stderr, `"workflow":"acquire"`)

	var results map[string]struct {
		Result     map[string]any `json:"result"`
		PostResult []any          `json:"post_result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Contains(t, results, "move")
	require.EqualValues(t, 4, results["grab"].Result["width"])
	require.Equal(t, map[string]any{"x": 100.0, "y": 50.0, "z": 0.0}, results["grab"].Result["position"])
	require.Len(t, results["grab"].PostResult, 1)
}

func TestRunCommandReportsFailure(t *testing.T) {
	t.Parallel()

	path := writeWorkflow(t, `steps:
  - id: laser
    main: set_laser_power
    params: {channel: Mono, power: 250}
    max_retries: 1
  - id: never
    main: acquire_frame
`)
	args := append([]string{"run", "-f", path}, fast...)
	out, _, err := executeCommand(t, args...)
	require.ErrorContains(t, err, "workflow failed: step laser")
	require.Contains(t, out, "step laser retrying after attempt 1")
	require.NotContains(t, out, "step never")
}

func TestRunCommandFromAndArchive(t *testing.T) {
	t.Parallel()

	path := writeWorkflow(t, acquireWorkflow)
	db := filepath.Join(t.TempDir(), "runs.db")
	args := append([]string{"run", "-f", path, "--from", "1", "--archive", db}, fast...)
	out, _, err := executeCommand(t, args...)
	require.NoError(t, err)
	require.NotContains(t, out, "step move")

	store, err := archive.Open(context.Background(), db, nil)
	require.NoError(t, err)
	defer store.Close()
	records, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "acquire", records[0].Name)
	require.Equal(t, "completed", records[0].Status)
	require.Equal(t, 2, records[0].Cursor)
}

func TestRunCommandValidatesInput(t *testing.T) {
	t.Parallel()

	_, _, err := executeCommand(t, "run", "-f", "/path/does/not/exist")
	require.ErrorContains(t, err, "does not exist")

	_, _, err = executeCommand(t, "run", "-f", t.TempDir())
	require.ErrorContains(t, err, "is a directory")

	path := writeWorkflow(t, acquireWorkflow)
	_, _, err = executeCommand(t, "run", "-f", path, "--from", "3")
	require.ErrorContains(t, err, "--from 3")

	bad := writeWorkflow(t, "steps:\n  - id: a\n    main: teleport\n")
	_, _, err = executeCommand(t, "run", "-f", bad)
	require.ErrorContains(t, err, "teleport")
}

func TestScanCommandWritesTiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "slide")
	args := append([]string{"scan", "--out", dir, "--x-max", "100", "--y-max", "100", "--wait-time", "0"}, fast...)
	out, _, err := executeCommand(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, "wrote 4 of 4 tiles to "+dir)

	index, err := tiles.ReadIndex(dir)
	require.NoError(t, err)
	require.Equal(t, 2, index.Rows)
	require.Equal(t, 2, index.Cols)
	require.Len(t, index.Tiles, 4)
}

func TestScanCommandRejectsBadArea(t *testing.T) {
	t.Parallel()

	_, _, err := executeCommand(t, "scan", "--out", t.TempDir(), "--x-min", "10", "--x-max", "0")
	require.Error(t, err)
}

func TestServeCommandStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, stderr, err := executeContext(ctx, t, "serve", "--addr", "127.0.0.1:0", "--tiles", t.TempDir(), "--log-format", "json")
	require.NoError(t, err)
	require.Contains(t, stderr, "serving workflow API")
}

func TestPrintEventLabels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		evt  engine.Event
		want string
	}{
		{"named step", engine.Event{Name: engine.EventProgress, StepID: "move", StepName: "Move stage", Status: engine.StatusStarted}, "step move (Move stage) started\n"},
		{"name defaults to id", engine.Event{Name: engine.EventProgress, StepID: "grab", StepName: "grab", Status: engine.StatusCompleted}, "step grab completed\n"},
		{"retry", engine.Event{Name: engine.EventProgress, StepID: "grab", Status: engine.StatusRetrying, Attempt: 1, Error: "busy"}, "step grab retrying after attempt 1: busy\n"},
		{"workflow", engine.Event{Name: engine.EventWorkflow, Status: engine.StatusStopped, Cursor: 3}, "workflow stopped at step 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			printEvent(buf, tt.evt)
			require.Equal(t, tt.want, buf.String())
		})
	}
}
