// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package properties reads and writes flat key=value property files.
//
// The format is the Java-properties subset the package manifest
// (manifest.tr) and the persisted configuration (triton.properties)
// use: one key=value pair per line, '#' and '!' comment lines, blank
// lines ignored, backslash escapes for separators and line
// continuations. Key order is preserved so saved files diff cleanly.
package properties
