package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/dispatch"
	"github.com/roach88/gtfsbatch/internal/jobs"
	"github.com/roach88/gtfsbatch/internal/registrar"
	"github.com/roach88/gtfsbatch/internal/store"
	"github.com/roach88/gtfsbatch/internal/testutil"
)

const key = "60_12_v1"

type fixture struct {
	store  *store.Store
	clock  *clocktesting.FakeClock
	gate   *capacity.Gate
	wf     *testutil.FakeWorkflow
	pre    *testutil.FakePreprocessor
	runner *testutil.FakeJobRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, clk := testutil.NewStore(t)
	return &fixture{
		store:  s,
		clock:  clk,
		gate:   capacity.New(s, 5, capacity.WithClock(clk)),
		wf:     testutil.NewFakeWorkflow(),
		pre:    testutil.NewFakePreprocessor(),
		runner: testutil.NewFakeJobRunner(),
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	cfg.Bucket = "gtfs-bucket"
	return New(f.store, f.gate, f.pre, f.runner, cfg, WithClock(f.clock))
}

// registerAndStart runs the registration and bulk-start path for key.
func (f *fixture) registerAndStart(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	res, err := registrar.New(f.store, registrar.WithClock(f.clock)).
		Register(ctx, []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	require.NoError(t, err)
	require.Equal(t, 1, res.Counts.Registered)
	assert.Equal(t, combo.StatusPending, testutil.MustGet(t, f.store, key).Status)

	started, err := dispatch.New(f.store, f.gate, f.wf, dispatch.WithClock(f.clock)).StartPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.Equal(t, dispatch.ResultStarted, started[0].Kind)

	rec := testutil.MustGet(t, f.store, key)
	require.Equal(t, combo.StatusProcessing, rec.Status)
	require.NotEmpty(t, rec.ExecutionRef)
}

// processAdvancingClock runs Process while stepping the fake clock so that
// the poll ticker fires.
func (f *fixture) processAdvancingClock(t *testing.T, o *Orchestrator, step time.Duration) (Outcome, error) {
	t.Helper()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := o.Process(context.Background(), key)
		done <- result{out, err}
	}()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case r := <-done:
			return r.out, r.err
		case <-timeout:
			t.Fatal("Process did not finish")
			return Outcome{}, nil
		default:
		}
		if f.clock.HasWaiters() {
			f.clock.Step(step)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProcess_EndToEndCompleted(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)

	out, err := f.orchestrator(Config{}).Process(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, Outcome{
		Key:             key,
		Status:          combo.StatusCompleted,
		MacroState:      jobs.StateSucceeded,
		MacroStopsState: jobs.StateSucceeded,
	}, out)

	rec := testutil.MustGet(t, f.store, key)
	assert.Equal(t, combo.StatusCompleted, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "pre-60_12_v1", rec.PreprocessID)
	assert.Equal(t, "tmp/60_12_v1", rec.TempLocation)
	assert.Equal(t, "SUCCEEDED", rec.MacroStatus)
	assert.Equal(t, "SUCCEEDED", rec.MacroStopsStatus)
	assert.NotEmpty(t, rec.MacroRunID)
	assert.False(t, rec.EndedAt.IsZero())

	counter, err := f.gate.Counter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.ActiveExecutions)
}

func TestProcess_PassesTransformArguments(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)

	_, err := f.orchestrator(Config{}).Process(context.Background(), key)
	require.NoError(t, err)

	starts := f.runner.Starts()
	require.Len(t, starts, 2)
	jobNames := []string{starts[0].Job, starts[1].Job}
	assert.ElementsMatch(t, []string{jobs.DefaultMacroJob, jobs.DefaultMacroStopsJob}, jobNames)
	for _, st := range starts {
		assert.Equal(t, "60", st.Args[jobs.ArgOperator])
		assert.Equal(t, "tmp/60_12_v1", st.Args[jobs.ArgTempDir])
		assert.Equal(t, "pre-60_12_v1", st.Args[jobs.ArgExecutionID])
		assert.Equal(t, "gtfs-bucket", st.Args[jobs.ArgBucket])
	}
}

func TestProcess_OneJobFails(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.runner.Script(jobs.DefaultMacroJob, jobs.StateRunning, jobs.StateFailed)
	f.runner.Script(jobs.DefaultMacroStopsJob, jobs.StateSucceeded)

	out, err := f.processAdvancingClock(t, f.orchestrator(Config{}), DefaultPollInterval)
	require.NoError(t, err)
	assert.Equal(t, combo.StatusFailed, out.Status)

	rec := testutil.MustGet(t, f.store, key)
	assert.Equal(t, combo.StatusFailed, rec.Status)
	assert.Equal(t, "macro: FAILED, macro_stops: SUCCEEDED", rec.Error)
	assert.Equal(t, "FAILED", rec.MacroStatus)
}

func TestProcess_PreprocessFailure(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.pre.FailFor(key, errors.New("no GTFS files"))

	out, err := f.orchestrator(Config{}).Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, combo.StatusFailed, out.Status)

	rec := testutil.MustGet(t, f.store, key)
	assert.Equal(t, combo.StatusFailed, rec.Status)
	assert.Equal(t, "preprocess: no GTFS files", rec.Error)
	assert.Empty(t, f.runner.Starts())

	counter, err := f.gate.Counter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.ActiveExecutions)
}

func TestProcess_MonitoringCeiling(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.runner.Script(jobs.DefaultMacroJob, jobs.StateRunning)

	cfg := Config{PollInterval: 30 * time.Second, MonitorTimeout: 5 * time.Minute}
	out, err := f.processAdvancingClock(t, f.orchestrator(cfg), 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, combo.StatusFailed, out.Status)
	assert.Equal(t, jobs.StateMonitoringTimeout, out.MacroState)
	assert.Equal(t, jobs.StateSucceeded, out.MacroStopsState)

	rec := testutil.MustGet(t, f.store, key)
	assert.Equal(t, "macro: MONITORING_TIMEOUT, macro_stops: SUCCEEDED", rec.Error)
	assert.Equal(t, "MONITORING_TIMEOUT", rec.MacroStatus)
}

func TestProcess_JobStateErrorCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.runner.FailState(jobs.DefaultMacroStopsJob, errors.New("throttled"))

	out, err := f.orchestrator(Config{}).Process(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, combo.StatusFailed, out.Status)
	assert.Equal(t, jobs.StateFailed, out.MacroStopsState)
	assert.Contains(t, out.Error, "macro_stops: FAILED (throttled)")
}

func TestProcess_JobStartFailure(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.runner.FailStart(jobs.DefaultMacroJob, errors.New("quota exceeded"))

	out, err := f.orchestrator(Config{}).Process(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, combo.StatusFailed, out.Status)
	assert.Equal(t, "macro: FAILED (quota exceeded), macro_stops: SUCCEEDED", out.Error)
}

func TestProcess_RequiresClaim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutIfAbsent(context.Background(), combo.NewPendingRecord(testutil.Identity("60", "12", "v1"), testutil.Epoch)))

	_, err := f.orchestrator(Config{}).Process(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotClaimed)
	assert.Empty(t, f.pre.Calls())
}

func TestProcess_CancelLeavesInProgress(t *testing.T) {
	f := newFixture(t)
	f.registerAndStart(t)
	f.runner.Script(jobs.DefaultMacroJob, jobs.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orchestrator(Config{}).Process(ctx, key)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return testutil.MustGet(t, f.store, key).MacroStatus == string(jobs.StateRunning)
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancel")
	}
	assert.Equal(t, combo.StatusProcessing, testutil.MustGet(t, f.store, key).Status)
}

func TestComposeError(t *testing.T) {
	subs := []*subJob{
		{label: "macro", state: jobs.StateTimeout},
		{label: "macro_stops", state: jobs.StateStopped},
	}
	assert.Equal(t, "macro: TIMEOUT, macro_stops: STOPPED", composeError(subs))
}
