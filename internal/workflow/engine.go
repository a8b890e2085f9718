// Package workflow runs combination executions in-process.
//
// LocalEngine is the execution backend behind dispatch.Workflow for the
// CLI: each started execution runs its handler on its own goroutine, which
// is safe because the capacity gate bounds how many are started at once.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrDuplicateName is returned when an execution name was already used.
var ErrDuplicateName = errors.New("execution name already used")

// ErrClosed is returned by Start after the engine context is done.
var ErrClosed = errors.New("workflow engine closed")

// Handler runs one execution. input is the document passed to Start.
type Handler func(ctx context.Context, name string, input []byte) error

// Execution is the record of one started execution.
type Execution struct {
	Name string
	Ref  string
	Err  error
	Done bool
}

// LocalEngine runs executions as goroutines.
type LocalEngine struct {
	ctx     context.Context
	handler Handler
	refs    RefGenerator
	logger  *slog.Logger

	mu         sync.Mutex
	executions map[string]*Execution
	order      []string
	wg         sync.WaitGroup
}

// Option configures a LocalEngine.
type Option func(*LocalEngine)

// WithRefs sets the execution reference generator.
func WithRefs(g RefGenerator) Option {
	return func(e *LocalEngine) {
		e.refs = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *LocalEngine) {
		e.logger = l
	}
}

// NewLocalEngine creates an engine whose executions run under ctx.
// Executions outlive the context passed to Start; they stop only when ctx
// is cancelled.
func NewLocalEngine(ctx context.Context, handler Handler, opts ...Option) *LocalEngine {
	e := &LocalEngine{
		ctx:        ctx,
		handler:    handler,
		refs:       UUIDv7Refs{},
		logger:     slog.Default(),
		executions: make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches an execution and returns its reference.
func (e *LocalEngine) Start(ctx context.Context, name string, input []byte) (string, error) {
	if err := e.ctx.Err(); err != nil {
		return "", fmt.Errorf("start %s: %w", name, ErrClosed)
	}

	e.mu.Lock()
	if _, ok := e.executions[name]; ok {
		e.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", name, ErrDuplicateName)
	}
	exec := &Execution{Name: name, Ref: e.refs.Generate()}
	e.executions[name] = exec
	e.order = append(e.order, name)
	e.wg.Add(1)
	e.mu.Unlock()

	doc := append([]byte(nil), input...)
	go func() {
		defer e.wg.Done()
		err := e.handler(e.ctx, name, doc)

		e.mu.Lock()
		exec.Done = true
		exec.Err = err
		e.mu.Unlock()

		if err != nil {
			e.logger.Error("execution failed", "name", name, "ref", exec.Ref, "error", err)
			return
		}
		e.logger.Debug("execution finished", "name", name, "ref", exec.Ref)
	}()

	return exec.Ref, nil
}

// Wait blocks until every started execution has returned, including
// executions started by other executions.
func (e *LocalEngine) Wait() {
	e.wg.Wait()
}

// Executions returns a snapshot of every execution in start order.
func (e *LocalEngine) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, *e.executions[name])
	}
	return out
}
