package external

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/jobs"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

var id = combo.Identity{Operator: "60", Contract: "12", Version: "v1"}

func TestCommandPreprocessor_Success(t *testing.T) {
	script := writeScript(t, `echo '{"status":"success","execution_id":"pre-1","temp_location":"tmp/'$2'"}'`)
	p := &CommandPreprocessor{Command: []string{script}, Bucket: "b"}

	res, err := p.Preprocess(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.PreprocessResult{ExecutionID: "pre-1", TempLocation: "tmp/60"}, res)
}

func TestCommandPreprocessor_ErrorReply(t *testing.T) {
	script := writeScript(t, `echo '{"status":"error","message":"no GTFS files"}'; exit 1`)
	p := &CommandPreprocessor{Command: []string{script}}

	_, err := p.Preprocess(context.Background(), id)
	assert.EqualError(t, err, "no GTFS files")
}

func TestCommandPreprocessor_Garbage(t *testing.T) {
	script := writeScript(t, `echo oops`)
	p := &CommandPreprocessor{Command: []string{script}}

	_, err := p.Preprocess(context.Background(), id)
	assert.Error(t, err)
}

func TestCommandJobRunner_States(t *testing.T) {
	ok := writeScript(t, `exit 0`)
	fail := writeScript(t, `exit 3`)
	ctx := context.Background()

	okRunner := NewCommandJobRunner(ctx, []string{ok}, nil)
	runID, err := okRunner.StartJob(ctx, "macro", map[string]string{"--operator": "60"})
	require.NoError(t, err)
	okRunner.Wait()
	state, err := okRunner.JobState(ctx, "macro", runID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateSucceeded, state)

	failRunner := NewCommandJobRunner(ctx, []string{fail}, nil)
	runID, err = failRunner.StartJob(ctx, "macro", nil)
	require.NoError(t, err)
	failRunner.Wait()
	state, err = failRunner.JobState(ctx, "macro", runID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, state)
}

func TestCommandJobRunner_StoppedOnCancel(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewCommandJobRunner(ctx, []string{script}, nil)

	runID, err := r.StartJob(context.Background(), "macro", nil)
	require.NoError(t, err)

	state, err := r.JobState(context.Background(), "macro", runID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, state)

	cancel()
	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not stop")
	}

	state, err = r.JobState(context.Background(), "macro", runID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateStopped, state)
}

func TestCommandJobRunner_UnknownRun(t *testing.T) {
	r := NewCommandJobRunner(context.Background(), []string{"true"}, nil)
	_, err := r.JobState(context.Background(), "macro", "nope")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestFlagList_Sorted(t *testing.T) {
	got := flagList(map[string]string{"--version": "v1", "--bucket": "b", "--operator": "60"})
	assert.Equal(t, []string{"--bucket", "b", "--operator", "60", "--version", "v1"}, got)
}
