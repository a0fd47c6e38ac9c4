// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// InputFunc requests one line of interactive input from the session's
// caller. In unsupervised sessions the implementation returns
// defaultValue without blocking.
type InputFunc func(prompt string, secret bool, defaultValue string) (string, error)

// Session is the handle a callable gets to the console session that
// invoked it. Passed explicitly through Call, never through ambient
// state, so callbacks on other goroutines cannot observe a wrong
// session.
type Session interface {
	ID() int64
	// Identity is the authenticated identity, or "" for anonymous.
	Identity() string
	// Admin reports whether the session may run administrative
	// callables.
	Admin() bool
	Interactive() bool
}

// ExecIO carries a statement's I/O: the output stream, the interactive
// input channel, and the invoking session. It tracks whether the
// statement produced output, which drives the console's last-value
// echo.
type ExecIO struct {
	writer  io.Writer
	wrote   bool
	Input   InputFunc
	Session Session
}

// NewExecIO wraps an output writer. input and session may be nil for
// non-interactive use (the warm-up run, tests).
func NewExecIO(w io.Writer, input InputFunc, session Session) *ExecIO {
	if input == nil {
		input = func(_ string, _ bool, defaultValue string) (string, error) {
			return defaultValue, nil
		}
	}
	return &ExecIO{writer: w, Input: input, Session: session}
}

// Write implements io.Writer and records that output happened.
func (x *ExecIO) Write(p []byte) (int, error) {
	if len(p) > 0 {
		x.wrote = true
	}
	return x.writer.Write(p)
}

// Printf writes formatted output.
func (x *ExecIO) Printf(format string, args ...any) {
	fmt.Fprintf(x, format, args...)
}

// Wrote reports whether the statement wrote any output.
func (x *ExecIO) Wrote() bool { return x.wrote }

// Callable is one entry in the engine's method catalogue.
type Callable struct {
	// Namespace groups related callables ("triton"); empty for
	// root-level ones.
	Namespace string
	Name      string
	// Params are parameter names, for completion display only.
	Params []string
	// Admin restricts the callable to administrative sessions.
	Admin bool
	// Invoke runs the callable. Nil for repository scripts, which the
	// environment executes line by line instead.
	Invoke func(call *Call) (any, error)
}

// FullName returns "namespace.name", or just the name when the
// callable has no namespace.
func (c Callable) FullName() string {
	if c.Namespace == "" {
		return c.Name
	}
	return c.Namespace + "." + c.Name
}

// Call is one invocation of a Callable.
type Call struct {
	Ctx  context.Context
	Args []any
	IO   *ExecIO
}

// String returns argument i as a string, or def when absent or nil.
func (c *Call) String(i int, def string) string {
	if i >= len(c.Args) || c.Args[i] == nil {
		return def
	}
	return fmt.Sprint(c.Args[i])
}

// Bool returns argument i as a bool; absent or unparseable is false.
func (c *Call) Bool(i int) bool {
	if i >= len(c.Args) || c.Args[i] == nil {
		return false
	}
	switch v := c.Args[i].(type) {
	case bool:
		return v
	default:
		return strings.EqualFold(fmt.Sprint(v), "true")
	}
}

// Int returns argument i as an int64, or def.
func (c *Call) Int(i int, def int64) int64 {
	if i >= len(c.Args) || c.Args[i] == nil {
		return def
	}
	switch v := c.Args[i].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		var parsed int64
		if _, err := fmt.Sscanf(fmt.Sprint(v), "%d", &parsed); err != nil {
			return def
		}
		return parsed
	}
}
