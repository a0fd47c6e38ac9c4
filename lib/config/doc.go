// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the agent's runtime configuration.
//
// A single Config is constructed at startup and passed by reference
// into every component constructor; there is no process-global state.
// Values come from three layers, later winning: built-in defaults, the
// persisted triton.properties file in the base folder, and key=value
// command-line arguments.
package config
