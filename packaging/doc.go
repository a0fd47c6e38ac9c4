// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package packaging implements the signed-archive distribution
// subsystem: building signed zip bundles, validating their per-file
// signatures against the embedded author certificate, and installing
// and uninstalling them against the agent's folder layout.
//
// An archive carries a manifest.tr property file and an author.crt PEM
// certificate at its root. Every file below the root must have a
// matching signature entry in the manifest, verifiable with the
// author's public key, or the whole archive is rejected.
package packaging
