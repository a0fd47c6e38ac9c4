// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nabu-platform/triton/lib/clock"
	"github.com/nabu-platform/triton/lib/config"
	"github.com/nabu-platform/triton/script"
)

// Protocol directives. Each arrives as a prefix on its own line.
const (
	negotiateResponseEnd = "Negotiate-Response-End:"
	negotiateInputEnd    = "Negotiate-Input-End:"
	negotiatePasswordEnd = "Negotiate-Password-End:"
	negotiateFileEditEnd = "Negotiate-File-Edit-End:"
	negotiateInteractive = "Negotiate-Interactive:"
	fetchMeta            = "Fetch-Meta:"
	suggestMethod        = "Suggest-Method:"
	suggestFile          = "Suggest-File:"
	interactPing         = "Interact-Ping:"
	interactPong         = "Interact-Pong:"
)

// Session is one accepted connection's console state machine. All
// fields except the abort path are owned by the session's worker
// goroutine; Abort may be called concurrently.
type Session struct {
	id        int64
	transport *Transport
	identity  string
	connected time.Time

	server *Server
	env    script.Env
	logger *slog.Logger
	clock  clock.Clock

	reader *bufio.Reader
	writer *bufio.Writer

	// negotiated markers, empty meaning inline telnet behaviour
	responseEnd string
	inputEnd    string
	passwordEnd string
	fileEditEnd string
	interactive bool

	buffered   strings.Builder
	transcript strings.Builder
}

func newSession(server *Server, id int64, transport *Transport, identity string) *Session {
	return &Session{
		id:          id,
		transport:   transport,
		identity:    identity,
		connected:   server.clock.Now(),
		server:      server,
		env:         server.runtime.NewEnvironment(),
		logger:      server.logger.With("session", id),
		clock:       server.clock,
		reader:      bufio.NewReader(transport),
		writer:      bufio.NewWriter(transport),
		interactive: true,
	}
}

// ID returns the process-lifetime unique session id.
func (s *Session) ID() int64 { return s.id }

// Identity returns the authenticated identity, "" for anonymous.
func (s *Session) Identity() string { return s.identity }

// Admin reports whether the session holds an identity. Local callers
// get the fixed "admin" identity; TLS callers get their certificate
// alias once trusted. Anonymous sessions hold no identity and may not
// run administrative callables.
func (s *Session) Admin() bool { return s.identity != "" }

// Interactive reports whether input requests may block for the caller.
func (s *Session) Interactive() bool { return s.interactive }

// Connected returns the time the session was accepted.
func (s *Session) Connected() time.Time { return s.connected }

func (s *Session) String() string {
	identity := s.identity
	if identity == "" {
		identity = "anonymous"
	}
	return fmt.Sprintf("#%d-%s-%s", s.id, identity, s.connected.Format(time.RFC3339))
}

// Abort stops the session from another goroutine: the script
// environment is poisoned so the in-flight statement stops at its next
// check point, and the transport is closed so a blocked read unblocks.
func (s *Session) Abort() {
	s.env.Abort()
	s.transport.Close()
}

// run is the session's line loop. It returns when the peer
// disconnects, sends "exit", or the session is aborted.
func (s *Session) run(ctx context.Context) {
	s.logger.Info("console connected", "remote", s.transport.RemoteAddr(), "identity", s.identity)
	for {
		line, err := s.readLine()
		if err != nil {
			if err != io.EOF && !s.transport.Closed() {
				s.logger.Debug("console read failed", "error", err)
			}
			break
		}
		s.transport.MarkRead(s.clock.Now())
		if s.env.Aborted() {
			break
		}
		if s.handle(ctx, line) {
			break
		}
	}
	s.logger.Info("console disconnected")
}

func (s *Session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// handle processes one protocol line. The reported exit only ends the
// loop for the literal "exit" line; errors stay session-local.
func (s *Session) handle(ctx context.Context, line string) (exit bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return false
	case strings.HasPrefix(trimmed, "#"):
		// comments still land in the show transcript
		s.transcript.WriteString(line + "\n")
		return false
	case line == "exit":
		s.transport.Close()
		return true
	}

	execIO := script.NewExecIO(s.writer, s.input, s)
	if err := s.dispatch(ctx, line, trimmed, execIO); err != nil {
		fmt.Fprintf(s.writer, "%v\n\n", err)
		s.writer.Flush()
		// failed partial input must never infect the next statement
		s.buffered.Reset()
	}
	s.finishTurn(execIO)
	return false
}

func (s *Session) dispatch(ctx context.Context, line, trimmed string, execIO *script.ExecIO) error {
	switch {
	case strings.HasPrefix(line, negotiateResponseEnd):
		s.responseEnd = directive(line, negotiateResponseEnd)
	case strings.HasPrefix(line, negotiateInputEnd):
		s.inputEnd = directive(line, negotiateInputEnd)
	case strings.HasPrefix(line, negotiatePasswordEnd):
		s.passwordEnd = directive(line, negotiatePasswordEnd)
	case strings.HasPrefix(line, negotiateFileEditEnd):
		s.fileEditEnd = directive(line, negotiateFileEditEnd)
	case strings.HasPrefix(line, negotiateInteractive):
		s.interactive = directive(line, negotiateInteractive) == "true"
	case strings.HasPrefix(line, interactPing):
		s.writer.WriteString(interactPong + " " + directive(line, interactPing))
	case strings.HasPrefix(line, fetchMeta):
		if strings.EqualFold(directive(line, fetchMeta), "name") {
			s.writer.WriteString(s.server.name + "\n")
		}
	case strings.HasPrefix(line, suggestMethod):
		s.suggestMethod(directive(line, suggestMethod))
	case strings.HasPrefix(line, suggestFile):
		return s.suggestFile(directive(line, suggestFile))
	case line == "show":
		s.writer.WriteString(s.transcript.String() + "\n")
	case line == "version":
		s.writer.WriteString(config.Version + "\n")
	case line == "clear":
		s.buffered.Reset()
		s.transcript.Reset()
		s.env.Clear()
	case line == "state":
		s.writer.WriteString(s.env.State() + "\n")
	case line == "refresh":
		return s.server.runtime.Refresh()
	case strings.HasSuffix(trimmed, "\\"):
		s.buffered.WriteString(strings.TrimRight(strings.TrimSuffix(trimmed, "\\"), " \t") + "\n")
	default:
		s.buffered.WriteString(line)
		statement := s.buffered.String()
		if err := s.env.Execute(ctx, statement, execIO); err != nil {
			return err
		}
		s.transcript.WriteString(statement + "\n")
		s.buffered.Reset()
	}
	return nil
}

// finishTurn writes the per-turn trailer: the last-value echo when the
// statement produced a value but no output, then the negotiated
// response-end marker.
func (s *Session) finishTurn(execIO *script.ExecIO) {
	if s.transport.Closed() {
		return
	}
	// always consume the scratch value so it cannot leak into a later
	// state dump
	if value, ok := s.env.TakeScratch(); ok && !execIO.Wrote() {
		s.writer.WriteString(strings.TrimSpace(value) + "\n")
	}
	if s.responseEnd != "" {
		s.writer.WriteString(s.responseEnd + "\n")
	}
	s.writer.Flush()
}

func directive(line, prefix string) string {
	return strings.TrimSpace(line[len(prefix):])
}

// input satisfies interactive input requests from running statements.
// Unsupervised sessions get the default value back without blocking.
func (s *Session) input(prompt string, secret bool, defaultValue string) (string, error) {
	if !s.interactive {
		return defaultValue, nil
	}
	if prompt != "" {
		s.writer.WriteString(prompt)
		switch {
		case secret && s.passwordEnd != "":
			s.writer.WriteString(s.passwordEnd + "\n")
		case s.inputEnd != "":
			s.writer.WriteString(s.inputEnd + "\n")
		case s.responseEnd != "":
			// structured clients expect the marker on its own line
			s.writer.WriteString("\n" + s.responseEnd + "\n")
		}
		if err := s.writer.Flush(); err != nil {
			return "", err
		}
	}
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	s.transport.MarkRead(s.clock.Now())
	if strings.TrimSpace(line) == "" {
		return defaultValue, nil
	}
	return line, nil
}

// suggestMethod writes completion candidates for a method-name prefix
// as a ";"-delimited list, each optionally annotated with parameter
// names after "::".
func (s *Session) suggestMethod(prefix string) {
	prefix = strings.ToLower(prefix)
	namespaced := strings.Contains(prefix, ".")
	var builder strings.Builder
	for _, callable := range s.server.runtime.Callables() {
		var candidate string
		if namespaced && callable.Namespace != "" {
			candidate = callable.FullName()
		} else if !namespaced {
			candidate = callable.Name
		} else {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(candidate), prefix) {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(";")
		}
		builder.WriteString(candidate)
		if len(callable.Params) > 0 {
			builder.WriteString("::" + strings.Join(callable.Params, ", "))
		}
	}
	s.writer.WriteString(builder.String())
}

// suggestFile writes completion candidates for a path prefix under the
// runtime's working directory, files annotated with a human-readable
// size.
func (s *Session) suggestFile(prefix string) error {
	dir := s.server.runtime.WorkingDirectory()
	var parent string
	if index := strings.LastIndex(prefix, "/"); index > 0 {
		parent = prefix[:index+1]
		dir = filepath.Join(dir, parent)
		prefix = prefix[index+1:]
	}
	prefix = strings.ToLower(prefix)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var builder strings.Builder
	for _, entry := range entries {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(entry.Name()), prefix) {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(";")
		}
		builder.WriteString(parent + entry.Name())
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				builder.WriteString("::" + humanSize(info.Size()))
			}
		}
	}
	s.writer.WriteString(builder.String())
	return nil
}

// humanSize renders a byte count with the largest unit under which the
// value stays below 1024, rounded to the nearest integer.
func humanSize(size int64) string {
	switch {
	case size > 1<<30:
		return strconv.FormatInt((size+1<<29)/(1<<30), 10) + "gb"
	case size > 1<<20:
		return strconv.FormatInt((size+1<<19)/(1<<20), 10) + "mb"
	case size > 1<<10:
		return strconv.FormatInt((size+1<<9)/(1<<10), 10) + "kb"
	default:
		return strconv.FormatInt(size, 10) + "b"
	}
}

// Edit runs the negotiated file-edit exchange for path: the current
// content is framed and streamed to the client, the client edits it
// locally and streams the replacement back, and the session writes the
// result to disk. Must be called from the session's own worker, which
// is the case for callables invoked by a statement.
func (s *Session) Edit(path string) error {
	if s.fileEditEnd == "" {
		return fmt.Errorf("file editing was not negotiated on this session")
	}
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	fmt.Fprintf(s.writer, "%d;%s%s\n", len(content), filepath.Base(path), s.fileEditEnd)
	if err := s.writer.Flush(); err != nil {
		return err
	}
	ack, err := s.readLine()
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(ack), "ok") {
		return fmt.Errorf("unexpected edit acknowledgment %q", ack)
	}
	if len(content) > 0 {
		if _, err := s.writer.Write(content); err != nil {
			return err
		}
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}

	frame, err := s.readLine()
	if err != nil {
		return err
	}
	s.transport.MarkRead(s.clock.Now())
	if !strings.HasSuffix(frame, s.fileEditEnd) {
		return fmt.Errorf("unexpected edit framing %q", frame)
	}
	frame = strings.TrimSuffix(frame, s.fileEditEnd)
	sizeText, _, ok := strings.Cut(frame, ";")
	if !ok {
		return fmt.Errorf("unexpected edit framing %q", frame)
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("bad edit size %q", sizeText)
	}
	s.writer.WriteString("ok\n")
	if err := s.writer.Flush(); err != nil {
		return err
	}

	replacement := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(s.reader, replacement); err != nil {
			return err
		}
		s.transport.MarkRead(s.clock.Now())
	}

	temp := path + ".tmp"
	if err := os.WriteFile(temp, replacement, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}
