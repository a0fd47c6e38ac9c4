// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Environment is the built-in Env implementation. Variables live in a
// flat map; the scratch slot holds the result of the last expression
// statement until the console consumes it.
type Environment struct {
	engine *Engine

	vars       map[string]any
	scratch    any
	hasScratch bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted atomic.Bool
}

var _ Env = (*Environment)(nil)

var assignPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(\S.*)$`)

// Execute runs one statement in the environment.
func (env *Environment) Execute(ctx context.Context, statement string, io *ExecIO) error {
	if env.aborted.Load() {
		return fmt.Errorf("environment aborted")
	}

	ctx, cancel := context.WithCancel(ctx)
	env.mu.Lock()
	env.cancel = cancel
	env.mu.Unlock()
	defer func() {
		cancel()
		env.mu.Lock()
		env.cancel = nil
		env.mu.Unlock()
	}()

	// continuation lines arrive joined by newlines; the grammar is
	// line-agnostic, so fold them into one line before parsing
	statement = strings.TrimSpace(strings.ReplaceAll(statement, "\n", " "))
	if statement == "" {
		return nil
	}

	if match := assignPattern.FindStringSubmatch(statement); match != nil && !strings.HasPrefix(match[2], "=") {
		value, err := env.evaluate(ctx, match[2], io)
		if err != nil {
			return err
		}
		env.vars[match[1]] = value
		return nil
	}

	value, err := env.statement(ctx, statement, io)
	if err != nil {
		return err
	}
	if value != nil {
		env.scratch = value
		env.hasScratch = true
	}
	return nil
}

// TakeScratch removes and returns the formatted scratch value.
func (env *Environment) TakeScratch() (string, bool) {
	if !env.hasScratch {
		return "", false
	}
	value := format(env.scratch)
	env.scratch = nil
	env.hasScratch = false
	return value, true
}

// State renders the variable pipeline, one "name = value" line per
// variable in sorted order.
func (env *Environment) State() string {
	names := make([]string, 0, len(env.vars))
	for name := range env.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	var builder strings.Builder
	for _, name := range names {
		fmt.Fprintf(&builder, "%s = %s\n", name, format(env.vars[name]))
	}
	return builder.String()
}

// Clear resets the variable pipeline and scratch slot.
func (env *Environment) Clear() {
	env.vars = make(map[string]any)
	env.scratch = nil
	env.hasScratch = false
}

// Abort cancels any in-flight statement and poisons the environment.
func (env *Environment) Abort() {
	env.aborted.Store(true)
	env.mu.Lock()
	if env.cancel != nil {
		env.cancel()
	}
	env.mu.Unlock()
}

// Aborted reports whether Abort was called.
func (env *Environment) Aborted() bool { return env.aborted.Load() }

// statement evaluates a full statement: a method call, an expression,
// a repository script, or (last resort) a system command.
func (env *Environment) statement(ctx context.Context, statement string, io *ExecIO) (any, error) {
	if callPattern.MatchString(statement) {
		name := statement[:strings.IndexByte(statement, '(')]
		if _, ok := env.engine.lookup(name); ok {
			return env.evaluate(ctx, statement, io)
		}
	}
	if value, err, ok := env.tryExpression(ctx, statement, io); ok {
		return value, err
	}

	name := strings.TrimSuffix(strings.Fields(statement)[0], Extension)
	if script, ok := env.engine.repo.lookup(name); ok {
		return nil, env.runScript(ctx, script, io)
	}

	return nil, env.system(ctx, statement, io)
}

// runScript executes a repository script line by line in this
// environment. A trailing backslash continues a statement onto the
// next line; lines whose first non-blank character is '#' are skipped.
func (env *Environment) runScript(ctx context.Context, script Script, io *ExecIO) error {
	var pending strings.Builder
	for _, line := range strings.Split(script.Source, "\n") {
		line = strings.TrimRight(line, "\r")
		if pending.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			continue
		}
		pending.WriteString(line)
		statement := pending.String()
		pending.Reset()
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if err := env.Execute(ctx, statement, io); err != nil {
			return fmt.Errorf("%s: %w", script.Name, err)
		}
	}
	return nil
}

// system runs the statement through the shell, streaming combined
// output to the console. Disabled when the engine is sandboxed.
func (env *Environment) system(ctx context.Context, statement string, io *ExecIO) error {
	if env.engine.sandboxed {
		return fmt.Errorf("unknown command %q", strings.Fields(statement)[0])
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", statement)
	cmd.Dir = env.engine.workDir
	cmd.Stdout = io
	cmd.Stderr = io
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.Fields(statement)[0], err)
	}
	return nil
}

var callPattern = regexp.MustCompile(`^[a-zA-Z_][\w.]*\(.*\)$`)

// tryExpression attempts to parse the statement as a pure expression.
// ok is false when the statement does not parse, in which case the
// caller falls through to scripts and system commands.
func (env *Environment) tryExpression(ctx context.Context, statement string, io *ExecIO) (any, error, bool) {
	parser := &parser{env: env, ctx: ctx, io: io, input: statement}
	value, err := parser.additive()
	if err != nil {
		if parser.invoked {
			// A callable actually ran; surface its error instead of
			// retrying the statement as a shell command.
			return nil, err, true
		}
		return nil, nil, false
	}
	parser.skipSpace()
	if parser.pos != len(parser.input) {
		return nil, nil, false
	}
	return value, nil, true
}

// evaluate parses statement as an expression and fails on trailing
// input. Used for assignment right-hand sides and call arguments.
func (env *Environment) evaluate(ctx context.Context, expression string, io *ExecIO) (any, error) {
	parser := &parser{env: env, ctx: ctx, io: io, input: expression}
	value, err := parser.additive()
	if err != nil {
		return nil, err
	}
	parser.skipSpace()
	if parser.pos != len(parser.input) {
		return nil, fmt.Errorf("unexpected input at %q", parser.input[parser.pos:])
	}
	return value, nil
}

// parser is a small recursive-descent expression parser covering
// literals, variables, method calls and the four arithmetic
// operators with the usual precedence.
type parser struct {
	env   *Environment
	ctx   context.Context
	io    *ExecIO
	input string
	pos   int

	// invoked is set once a callable runs, so a later parse error is
	// reported rather than retried as a system command.
	invoked bool
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) additive() (any, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '+' && p.input[p.pos] != '-') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) multiplicative() (any, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '*' && p.input[p.pos] != '/') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) primary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch ch := p.input[p.pos]; {
	case ch == '(':
		p.pos++
		value, err := p.additive()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	case ch == '"':
		return p.stringLiteral()
	case ch == '$':
		return p.scratchRef()
	case ch >= '0' && ch <= '9':
		return p.number()
	case ch == '-':
		p.pos++
		value, err := p.primary()
		if err != nil {
			return nil, err
		}
		return arithmetic('-', 0, value)
	case ch == '_' || unicode.IsLetter(rune(ch)):
		return p.identifier()
	default:
		return nil, fmt.Errorf("unexpected character %q", ch)
	}
}

func (p *parser) stringLiteral() (any, error) {
	var builder strings.Builder
	p.pos++
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		switch ch {
		case '"':
			p.pos++
			return builder.String(), nil
		case '\\':
			p.pos++
			if p.pos >= len(p.input) {
				return nil, fmt.Errorf("unterminated escape in string")
			}
			switch esc := p.input[p.pos]; esc {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			default:
				builder.WriteByte(esc)
			}
			p.pos++
		default:
			builder.WriteByte(ch)
			p.pos++
		}
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func (p *parser) scratchRef() (any, error) {
	rest := p.input[p.pos:]
	if !strings.HasPrefix(rest, "$tmp") {
		return nil, fmt.Errorf("unknown reference %q", rest)
	}
	p.pos += len("$tmp")
	if !p.env.hasScratch {
		return nil, fmt.Errorf("$tmp is empty")
	}
	return p.env.scratch, nil
}

func (p *parser) number() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	text := p.input[start:p.pos]
	if strings.Contains(text, ".") {
		value, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", text)
		}
		return value, nil
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", text)
	}
	return value, nil
}

// identifier resolves a bare name: boolean and null literals first,
// then a method call when a '(' follows, then a variable reference.
func (p *parser) identifier() (any, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == '_' || ch == '.' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch)) {
			p.pos++
			continue
		}
		break
	}
	name := p.input[start:p.pos]
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		return p.call(name)
	}
	if value, ok := p.env.vars[name]; ok {
		return value, nil
	}
	return nil, fmt.Errorf("unknown variable %q", name)
}

func (p *parser) call(name string) (any, error) {
	callable, ok := p.env.engine.lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown method %q", name)
	}
	p.pos++ // consume '('
	var args []any
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ')' {
		p.pos++
	} else {
		for {
			arg, err := p.additive()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpace()
			if p.pos >= len(p.input) {
				return nil, fmt.Errorf("missing closing parenthesis in call to %s", name)
			}
			if p.input[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.input[p.pos] == ')' {
				p.pos++
				break
			}
			return nil, fmt.Errorf("unexpected character %q in call to %s", p.input[p.pos], name)
		}
	}
	if callable.Admin && (p.io.Session == nil || !p.io.Session.Admin()) {
		p.invoked = true
		return nil, fmt.Errorf("%s requires an authenticated session", callable.FullName())
	}
	p.invoked = true
	return callable.Invoke(&Call{Ctx: p.ctx, Args: args, IO: p.io})
}

// arithmetic applies an operator, promoting to float when either side
// is a float and concatenating when the left side is a string.
func arithmetic(op byte, left, right any) (any, error) {
	if op == '+' {
		if ls, ok := left.(string); ok {
			return ls + format(right), nil
		}
		if rs, ok := right.(string); ok {
			return format(left) + rs, nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %q to %T and %T", op, left, right)
	}
	_, lint := toInt(left)
	_, rint := toInt(right)
	if lint && rint && op != '/' {
		li, _ := toInt(left)
		ri, _ := toInt(right)
		switch op {
		case '+':
			return li + ri, nil
		case '-':
			return li - ri, nil
		case '*':
			return li * ri, nil
		}
	}
	switch op {
	case '+':
		return lf + rf, nil
	case '-':
		return lf - rf, nil
	case '*':
		return lf * rf, nil
	case '/':
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		if lint && rint {
			li, _ := toInt(left)
			ri, _ := toInt(right)
			if li%ri == 0 {
				return li / ri, nil
			}
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// format renders a value for echoing to the console.
func format(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
