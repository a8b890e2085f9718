package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/jobs"
)

// WorkflowStart records one call to FakeWorkflow.Start.
type WorkflowStart struct {
	Name  string
	Input []byte
	Ref   string
}

// FakeWorkflow records started executions and rejects duplicate names.
type FakeWorkflow struct {
	mu     sync.Mutex
	refs   *SequentialRefs
	starts []WorkflowStart
	names  map[string]bool

	// Err, when set, is returned by every Start.
	Err error
}

// NewFakeWorkflow creates a workflow whose refs are "exec-1", "exec-2", ...
func NewFakeWorkflow() *FakeWorkflow {
	return &FakeWorkflow{refs: NewSequentialRefs("exec"), names: make(map[string]bool)}
}

// Start records the execution and returns its ref.
func (w *FakeWorkflow) Start(ctx context.Context, name string, input []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Err != nil {
		return "", w.Err
	}
	if w.names[name] {
		return "", fmt.Errorf("execution %q already exists", name)
	}
	w.names[name] = true

	ref := w.refs.Generate()
	w.starts = append(w.starts, WorkflowStart{Name: name, Input: append([]byte(nil), input...), Ref: ref})
	return ref, nil
}

// Starts returns a copy of the recorded starts.
func (w *FakeWorkflow) Starts() []WorkflowStart {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WorkflowStart(nil), w.starts...)
}

// FakePreprocessor returns a scripted result per combination key.
type FakePreprocessor struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []combo.Identity
	Result func(combo.Identity) jobs.PreprocessResult
}

// NewFakePreprocessor creates a preprocessor that succeeds for every key
// with execution id "pre-<key>" and temp location "tmp/<key>".
func NewFakePreprocessor() *FakePreprocessor {
	return &FakePreprocessor{
		errs: make(map[string]error),
		Result: func(id combo.Identity) jobs.PreprocessResult {
			return jobs.PreprocessResult{ExecutionID: "pre-" + id.Key(), TempLocation: "tmp/" + id.Key()}
		},
	}
}

// FailFor makes Preprocess fail for key with err.
func (p *FakePreprocessor) FailFor(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[key] = err
}

// Preprocess implements jobs.Preprocessor.
func (p *FakePreprocessor) Preprocess(ctx context.Context, id combo.Identity) (jobs.PreprocessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, id)
	if err := p.errs[id.Key()]; err != nil {
		return jobs.PreprocessResult{}, err
	}
	return p.Result(id), nil
}

// Calls returns the identities Preprocess was called with.
func (p *FakePreprocessor) Calls() []combo.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]combo.Identity(nil), p.calls...)
}

// JobStart records one call to FakeJobRunner.StartJob.
type JobStart struct {
	Job   string
	RunID string
	Args  map[string]string
}

// ErrUnknownRun is returned by FakeJobRunner.JobState for a run it never started.
var ErrUnknownRun = errors.New("unknown job run")

// FakeJobRunner plays back a scripted sequence of states per job name.
//
// Each JobState call for a run returns the next scripted state for its
// job; once the script is exhausted the last state repeats. A job without
// a script reports SUCCEEDED.
type FakeJobRunner struct {
	mu        sync.Mutex
	refs      *SequentialRefs
	scripts   map[string][]jobs.State
	startErrs map[string]error
	stateErrs map[string]error
	polls     map[string]int
	runs      map[string]string
	starts    []JobStart
}

// NewFakeJobRunner creates an empty runner.
func NewFakeJobRunner() *FakeJobRunner {
	return &FakeJobRunner{
		refs:      NewSequentialRefs("run"),
		scripts:   make(map[string][]jobs.State),
		startErrs: make(map[string]error),
		stateErrs: make(map[string]error),
		polls:     make(map[string]int),
		runs:      make(map[string]string),
	}
}

// Script sets the states reported for every run of job.
func (r *FakeJobRunner) Script(job string, states ...jobs.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[job] = states
}

// FailStart makes StartJob fail for job.
func (r *FakeJobRunner) FailStart(job string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErrs[job] = err
}

// FailState makes JobState fail for job.
func (r *FakeJobRunner) FailState(job string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateErrs[job] = err
}

// StartJob implements jobs.Runner.
func (r *FakeJobRunner) StartJob(ctx context.Context, job string, args map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.startErrs[job]; err != nil {
		return "", err
	}
	runID := r.refs.Generate()
	r.runs[runID] = job
	r.starts = append(r.starts, JobStart{Job: job, RunID: runID, Args: args})
	return runID, nil
}

// JobState implements jobs.Runner.
func (r *FakeJobRunner) JobState(ctx context.Context, job, runID string) (jobs.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[runID] != job {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownRun, job, runID)
	}
	if err := r.stateErrs[job]; err != nil {
		return "", err
	}
	script, ok := r.scripts[job]
	if !ok || len(script) == 0 {
		return jobs.StateSucceeded, nil
	}
	i := r.polls[runID]
	r.polls[runID]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

// Starts returns the recorded job starts.
func (r *FakeJobRunner) Starts() []JobStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobStart(nil), r.starts...)
}
