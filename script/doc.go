// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package script defines the narrow boundary between the console and
// the script runtime, and provides the built-in engine behind it.
//
// The console depends only on the Runtime and Env interfaces: execute
// one statement against a per-session environment, list the callable
// catalogue, reload the repository. The built-in engine deliberately
// implements a minimal surface (assignments, literals, arithmetic,
// method calls against registered callables, named scripts from the
// repository, and a system-command catch-all); anything richer is an
// injected replacement, not an extension of this package.
//
// Scripts come from containers: the local scripts folder first (rapid
// prototyping always wins), then the scripts directory of each
// installed package archive.
package script
