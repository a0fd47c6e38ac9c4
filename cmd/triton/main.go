// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Triton is a remotely reachable scripting console. It listens on a
// plaintext port restricted to local callers and a TLS port guarded by
// client certificates, and exposes a line-based console protocol for
// running script statements, managing trusted certificates, and
// installing signed script packages.
//
// Positional arguments are key=value configuration overrides, for
// example:
//
//	triton triton.secure.port=6123 sandboxed=true
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/nabu-platform/triton"
	"github.com/nabu-platform/triton/lib/clock"
	"github.com/nabu-platform/triton/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		role      string
		sandboxed bool
		debug     bool
	)
	pflag.StringVar(&role, "role", "server", "instance role: server or client")
	pflag.BoolVar(&sandboxed, "sandboxed", false, "disallow system commands from scripts")
	pflag.BoolVar(&debug, "debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(config.Role(role), pflag.Args())
	if err != nil {
		return err
	}
	if sandboxed {
		cfg.Sandboxed = true
	}
	if debug {
		cfg.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Client-role instances keep no default key password; ask for it
	// when running on a terminal.
	if cfg.KeyPassword == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Key password for profile %q: ", cfg.Profile)
		entered, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading key password: %w", err)
		}
		cfg.KeyPassword = strings.TrimSpace(string(entered))
	}

	agent, err := triton.New(cfg, logger, clock.Real())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		return err
	}
	logger.Info("triton running",
		"role", cfg.Role,
		"base", cfg.BaseDir,
		"local", cfg.LocalEnabled,
		"plainPort", cfg.PlainPort,
		"securePort", cfg.SecurePort,
		"clientAuth", cfg.ClientAuth)

	<-ctx.Done()
	logger.Info("shutting down")
	agent.Stop()
	return nil
}
