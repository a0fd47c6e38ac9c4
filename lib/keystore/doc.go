// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore implements the persistent certificate store.
//
// A Store maps names to either a trusted X.509 certificate or a
// private-key entry (key plus certificate chain). Two independent
// stores exist per installation: "authentication" decides who may open
// a console session, "packaging" decides whose package signatures are
// trusted. The same logical identity may appear in both.
//
// On disk a store is a CBOR document sealed with an age scrypt
// recipient derived from the store password. Private-key material is
// sealed a second time under its own per-entry password, so unlocking
// the container does not unlock the keys.
//
// All mutations are in-memory until Save; the Manager serializes
// load-mutate-save cycles so concurrent mutations from different
// sessions cannot lose updates.
package keystore
