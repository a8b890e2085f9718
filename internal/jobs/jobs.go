// Package jobs defines the contract with the external collaborators that
// do the heavy lifting for a combination: the synchronous preprocessing
// step and the two asynchronous transform jobs.
package jobs

import (
	"context"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// Transform job names as registered with the job runner.
const (
	DefaultMacroJob      = "MacroGenerator"
	DefaultMacroStopsJob = "MacroStopsGenerator"
)

// PreprocessResult is what a successful preprocessing step reports.
type PreprocessResult struct {
	ExecutionID  string            `json:"execution_id"`
	TempLocation string            `json:"temp_location"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Preprocessor prepares the inputs of a combination. A non-nil error means
// the step failed and its message is recorded on the combination.
type Preprocessor interface {
	Preprocess(ctx context.Context, id combo.Identity) (PreprocessResult, error)
}

// State is the run state of a transform job.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateTimeout   State = "TIMEOUT"
	StateStopped   State = "STOPPED"

	// StateMonitoringTimeout is assigned locally to a job that was still
	// running when the monitoring ceiling expired.
	StateMonitoringTimeout State = "MONITORING_TIMEOUT"
)

// Terminal reports whether the job will not change state again.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimeout, StateStopped, StateMonitoringTimeout:
		return true
	}
	return false
}

// Runner starts and observes transform jobs.
type Runner interface {
	// StartJob starts one run of job and returns its run handle.
	StartJob(ctx context.Context, job string, args map[string]string) (string, error)

	// JobState reports the current state of a run.
	JobState(ctx context.Context, job, runID string) (State, error)
}

// Argument names passed to every transform job.
const (
	ArgJobName     = "--job_name"
	ArgOperator    = "--operator"
	ArgContract    = "--contract"
	ArgVersion     = "--version"
	ArgTempDir     = "--temp_dir"
	ArgExecutionID = "--execution_id"
	ArgBucket      = "--bucket"
)

// TransformArgs builds the argument set for a transform job run.
func TransformArgs(job string, id combo.Identity, pre PreprocessResult, bucket string) map[string]string {
	return map[string]string{
		ArgJobName:     job,
		ArgOperator:    id.Operator,
		ArgContract:    id.Contract,
		ArgVersion:     id.Version,
		ArgTempDir:     pre.TempLocation,
		ArgExecutionID: pre.ExecutionID,
		ArgBucket:      bucket,
	}
}
