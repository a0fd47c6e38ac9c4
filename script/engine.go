// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Runtime is what the console server requires from a script runtime.
// The built-in *Engine implements it; a richer interpreter can be
// injected instead without touching the console.
type Runtime interface {
	// NewEnvironment creates a fresh execution environment. Each
	// console session owns exactly one, so variables persist across
	// statements within a session and never leak between sessions.
	NewEnvironment() Env

	// Callables lists the catalogue for method suggestion.
	Callables() []Callable

	// WorkingDirectory is the root for file suggestion and system
	// commands.
	WorkingDirectory() string

	// Refresh rescans the script repository from its containers.
	Refresh() error
}

// Env is one session's REPL state.
type Env interface {
	// Execute runs one statement. Output streams through io as it is
	// produced; the statement's un-echoed result value lands in the
	// scratch variable.
	Execute(ctx context.Context, statement string, io *ExecIO) error

	// TakeScratch removes and returns the scratch value left by the
	// last expression statement, formatted. ok is false when the last
	// statement produced no value.
	TakeScratch() (value string, ok bool)

	// State renders the variable pipeline for the "state" command.
	State() string

	// Clear resets the variable pipeline.
	Clear()

	// Abort signals the in-flight statement (if any) to stop and
	// poisons the environment; Execute fails from then on. Safe to
	// call from any goroutine.
	Abort()

	// Aborted reports whether Abort was called.
	Aborted() bool
}

// Engine is the built-in script runtime.
type Engine struct {
	workDir   string
	sandboxed bool
	logger    *slog.Logger

	mu        sync.Mutex
	callables []Callable

	repo repository
}

var _ Runtime = (*Engine)(nil)

// NewEngine creates an engine rooted at workDir. When sandboxed, the
// system-command catch-all is disabled, so only registered callables
// and repository scripts can run.
func NewEngine(workDir string, sandboxed bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	engine := &Engine{workDir: workDir, sandboxed: sandboxed, logger: logger}
	engine.Register(builtins()...)
	return engine
}

// Register adds callables to the catalogue.
func (e *Engine) Register(callables ...Callable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callables = append(e.callables, callables...)
}

// Callables returns the registered callables plus one entry per
// repository script, sorted by full name.
func (e *Engine) Callables() []Callable {
	e.mu.Lock()
	out := make([]Callable, len(e.callables))
	copy(out, e.callables)
	e.mu.Unlock()

	for _, name := range e.repo.names() {
		out = append(out, Callable{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// WorkingDirectory returns the engine's working directory.
func (e *Engine) WorkingDirectory() string { return e.workDir }

// SetContainers replaces the script containers and reloads.
func (e *Engine) SetContainers(containers []Container) error {
	return e.repo.setContainers(containers)
}

// Refresh rescans the current containers.
func (e *Engine) Refresh() error {
	return e.repo.reload()
}

// NewEnvironment creates a fresh, empty environment.
func (e *Engine) NewEnvironment() Env {
	return &Environment{engine: e, vars: make(map[string]any)}
}

// lookup finds a callable by name. A namespaced reference must match
// exactly; a bare name matches a root callable first, then any
// namespaced callable with that name.
func (e *Engine) lookup(name string) (Callable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fallback *Callable
	for i, callable := range e.callables {
		if callable.FullName() == name {
			return callable, true
		}
		if callable.Namespace != "" && callable.Name == name && fallback == nil {
			fallback = &e.callables[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Callable{}, false
}

// builtins are the callables every engine carries.
func builtins() []Callable {
	return []Callable{
		{
			Name:   "console",
			Params: []string{"message"},
			Invoke: func(call *Call) (any, error) {
				call.IO.Printf("%s\n", call.String(0, ""))
				return nil, nil
			},
		},
		{
			Name:   "input",
			Params: []string{"prompt", "default"},
			Invoke: func(call *Call) (any, error) {
				return call.IO.Input(call.String(0, ""), false, call.String(1, ""))
			},
		},
		{
			Name:   "password",
			Params: []string{"prompt"},
			Invoke: func(call *Call) (any, error) {
				return call.IO.Input(call.String(0, ""), true, "")
			},
		},
	}
}
