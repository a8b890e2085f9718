package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/gtfsbatch/internal/jobs"
)

// ErrUnknownRun is returned by JobState for a run this runner did not start.
var ErrUnknownRun = errors.New("unknown job run")

type run struct {
	job   string
	state jobs.State
}

// CommandJobRunner runs transform jobs as child processes.
//
// A job is invoked as "<command> [args...] --flag value ..." with the job
// arguments sorted by flag. Its state is RUNNING until the process exits:
// exit status 0 is SUCCEEDED, a non-zero exit is FAILED, and a process
// killed because the runner's context ended is STOPPED.
type CommandJobRunner struct {
	ctx     context.Context
	command []string
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewCommandJobRunner creates a runner whose jobs live as long as ctx.
// Jobs are deliberately not tied to the context passed to StartJob, so a
// monitoring timeout does not kill them.
func NewCommandJobRunner(ctx context.Context, command []string, logger *slog.Logger) *CommandJobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandJobRunner{
		ctx:     ctx,
		command: command,
		logger:  logger,
		runs:    make(map[string]*run),
	}
}

// StartJob implements jobs.Runner.
func (r *CommandJobRunner) StartJob(ctx context.Context, job string, args map[string]string) (string, error) {
	if len(r.command) == 0 {
		return "", fmt.Errorf("no job command configured")
	}

	cmd := exec.CommandContext(r.ctx, r.command[0], append(append([]string(nil), r.command[1:]...), flagList(args)...)...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", job, err)
	}

	runID := uuid.Must(uuid.NewV7()).String()
	rn := &run{job: job, state: jobs.StateRunning}

	r.mu.Lock()
	r.runs[runID] = rn
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := cmd.Wait()

		state := jobs.StateSucceeded
		switch {
		case err == nil:
		case r.ctx.Err() != nil:
			state = jobs.StateStopped
		default:
			state = jobs.StateFailed
		}

		r.mu.Lock()
		rn.state = state
		r.mu.Unlock()
		r.logger.Debug("job process exited", "job", job, "run_id", runID, "state", state, "error", err)
	}()

	return runID, nil
}

// JobState implements jobs.Runner.
func (r *CommandJobRunner) JobState(ctx context.Context, job, runID string) (jobs.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if !ok || rn.job != job {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownRun, job, runID)
	}
	return rn.state, nil
}

// Wait blocks until every started job process has exited.
func (r *CommandJobRunner) Wait() {
	r.wg.Wait()
}

// flagList flattens args into "--flag value" pairs sorted by flag.
func flagList(args map[string]string) []string {
	flags := make([]string, 0, len(args))
	for flag := range args {
		flags = append(flags, flag)
	}
	sort.Strings(flags)

	out := make([]string, 0, 2*len(flags))
	for _, flag := range flags {
		out = append(out, flag, args[flag])
	}
	return out
}
