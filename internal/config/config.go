// Package config loads and validates gtfsbatch settings.
//
// Settings come from an optional YAML file layered over defaults. Callers
// apply flag overrides to the returned Config and then call Validate,
// which checks it against the embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/gtfsbatch/internal/capacity"
	"github.com/roach88/gtfsbatch/internal/dispatch"
	"github.com/roach88/gtfsbatch/internal/jobs"
	"github.com/roach88/gtfsbatch/internal/orchestrator"
	"github.com/roach88/gtfsbatch/internal/registrar"
	"github.com/roach88/gtfsbatch/internal/store"
	"github.com/roach88/gtfsbatch/internal/sweeper"
)

//go:embed config.cue
var schemaSource string

// Error codes for configuration failures.
const (
	ErrCodeRead   = "C001" // config file unreadable
	ErrCodeParse  = "C002" // config file is not valid YAML
	ErrCodeSchema = "C003" // value violates the schema
)

// DefaultStateDB is the state database path when none is configured.
const DefaultStateDB = "gtfsbatch.db"

// Config holds every gtfsbatch setting.
type Config struct {
	Bucket         string `yaml:"bucket" json:"bucket"`
	Region         string `yaml:"region" json:"region"`
	StateDB        string `yaml:"state_db" json:"state_db"`
	StalenessHours int    `yaml:"staleness_hours" json:"staleness_hours"`
	MaxExecutions  int    `yaml:"max_executions" json:"max_executions"`

	// BatchSize caps how many combinations one process run dispatches.
	// Zero means no cap.
	BatchSize    int `yaml:"batch_size" json:"batch_size"`
	ScanPageSize int `yaml:"scan_page_size" json:"scan_page_size"`
	Workers      int `yaml:"workers" json:"workers"`

	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MonitorTimeout  time.Duration `yaml:"monitor_timeout" json:"monitor_timeout"`
	ExecutionPrefix string        `yaml:"execution_prefix" json:"execution_prefix"`

	// LogDir receives registration logs. Empty disables them.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	MacroJob      string `yaml:"macro_job" json:"macro_job"`
	MacroStopsJob string `yaml:"macro_stops_job" json:"macro_stops_job"`

	PreprocessCommand []string `yaml:"preprocess_command" json:"preprocess_command"`
	JobCommand        []string `yaml:"job_command" json:"job_command"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Region:          "eu-west-1",
		StateDB:         DefaultStateDB,
		StalenessHours:  int(sweeper.DefaultThreshold / time.Hour),
		MaxExecutions:   capacity.DefaultMaxExecutions,
		BatchSize:       5,
		ScanPageSize:    store.DefaultPageSize,
		Workers:         registrar.DefaultWorkers,
		PollInterval:    orchestrator.DefaultPollInterval,
		MonitorTimeout:  orchestrator.DefaultMonitorTimeout,
		ExecutionPrefix: dispatch.DefaultExecutionPrefix,
		MacroJob:        jobs.DefaultMacroJob,
		MacroStopsJob:   jobs.DefaultMacroStopsJob,
	}
}

// Error is a configuration failure.
type Error struct {
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Code: ErrCodeRead, Message: err.Error()}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &Error{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, nil
}

// Validate checks c against the schema and reports every violation.
func (c Config) Validate() error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("config.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(cctx.Encode(c.document()))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		errs = append(errs, &Error{
			Code:    ErrCodeSchema,
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(errs) == 0 {
		return &Error{Code: ErrCodeSchema, Message: err.Error()}
	}
	return errors.Join(errs...)
}

// document is the value the schema sees.
func (c Config) document() map[string]any {
	return map[string]any{
		"bucket":             c.Bucket,
		"region":             c.Region,
		"state_db":           c.StateDB,
		"staleness_hours":    c.StalenessHours,
		"max_executions":     c.MaxExecutions,
		"batch_size":         c.BatchSize,
		"scan_page_size":     c.ScanPageSize,
		"workers":            c.Workers,
		"poll_interval":      c.PollInterval.Seconds(),
		"monitor_timeout":    c.MonitorTimeout.Seconds(),
		"execution_prefix":   c.ExecutionPrefix,
		"log_dir":            c.LogDir,
		"macro_job":          c.MacroJob,
		"macro_stops_job":    c.MacroStopsJob,
		"preprocess_command": append([]string{}, c.PreprocessCommand...),
		"job_command":        append([]string{}, c.JobCommand...),
	}
}

// Staleness is the sweeper threshold.
func (c Config) Staleness() time.Duration {
	return time.Duration(c.StalenessHours) * time.Hour
}

// Orchestrator returns the orchestrator settings.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Bucket:         c.Bucket,
		MacroJob:       c.MacroJob,
		MacroStopsJob:  c.MacroStopsJob,
		PollInterval:   c.PollInterval,
		MonitorTimeout: c.MonitorTimeout,
	}
}
