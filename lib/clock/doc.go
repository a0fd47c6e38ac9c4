// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a Clock instead of calling time.Now or
// time.NewTicker directly. Real() provides standard library behavior;
// Fake() provides a deterministic clock that only advances when the
// test calls Advance. The console server's idle-session reaper is the
// main consumer: with a fake clock a test can push sessions past the
// inactivity timeout without sleeping.
package clock
