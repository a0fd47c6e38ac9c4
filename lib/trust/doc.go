// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust decides whether certificate chains are trusted by a
// keystore, derives human-readable aliases from certificates, and
// stages unknown peer certificates for manual review.
//
// Trust is evaluated fail-closed: any parsing or path-building error
// means "not trusted". Staging is trust-on-first-sight only: a staged
// certificate grants nothing until an operator promotes it into the
// store.
package trust
