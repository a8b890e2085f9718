// Package external adapts configured executables to the jobs contracts so
// that the CLI can drive real preprocessing and transform programs.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/jobs"
)

// preprocessReply is the JSON document a preprocessing command prints.
type preprocessReply struct {
	Status       string            `json:"status"`
	Message      string            `json:"message"`
	ExecutionID  string            `json:"execution_id"`
	TempLocation string            `json:"temp_location"`
	Metadata     map[string]string `json:"metadata"`
}

// CommandPreprocessor runs a preprocessing executable once per combination.
//
// The command is invoked as
//
//	<command> [args...] --operator O --contract C --version V --bucket B
//
// and must print a JSON object with "status" set to "success" or "error".
type CommandPreprocessor struct {
	Command []string
	Bucket  string
}

// Preprocess implements jobs.Preprocessor.
func (p *CommandPreprocessor) Preprocess(ctx context.Context, id combo.Identity) (jobs.PreprocessResult, error) {
	if len(p.Command) == 0 {
		return jobs.PreprocessResult{}, fmt.Errorf("no preprocess command configured")
	}

	args := append(append([]string(nil), p.Command[1:]...),
		jobs.ArgOperator, id.Operator,
		jobs.ArgContract, id.Contract,
		jobs.ArgVersion, id.Version,
		jobs.ArgBucket, p.Bucket,
	)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var reply preprocessReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply); err != nil {
		if runErr != nil {
			return jobs.PreprocessResult{}, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		return jobs.PreprocessResult{}, fmt.Errorf("decode preprocess reply: %w", err)
	}

	if reply.Status != "success" {
		msg := reply.Message
		if msg == "" {
			msg = "preprocess reported status " + fmt.Sprintf("%q", reply.Status)
		}
		return jobs.PreprocessResult{}, fmt.Errorf("%s", msg)
	}
	if runErr != nil {
		return jobs.PreprocessResult{}, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(stderr.String()))
	}

	return jobs.PreprocessResult{
		ExecutionID:  reply.ExecutionID,
		TempLocation: reply.TempLocation,
		Metadata:     reply.Metadata,
	}, nil
}
