// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package console implements the remotely reachable scripting console:
// plaintext and TLS listener loops, per-connection session state
// machines speaking the negotiated line protocol, a bounded worker
// pool, and the idle-session reaper.
//
// Admission is asymmetric between the two listeners. The plaintext
// listener admits only peers on a local address and grants them the
// fixed "admin" identity. The TLS listener admits any peer that
// presents a client certificate; trust in that certificate determines
// the assigned identity, not admission, so unknown callers connect
// anonymously and their certificate is staged for operator review.
package console
