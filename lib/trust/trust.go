// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/x509"
	"encoding/hex"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/nabu-platform/triton/lib/keystore"
)

// Evaluator decides trust against a certificate store.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. logger may be nil to discard the
// rejection detail that is otherwise logged at debug level.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Evaluator{logger: logger}
}

// IsTrusted reports whether the chain's leaf is trusted by the store:
// the leaf equals a trusted certificate, the leaf equals the
// certificate of one of our own private-key entries, or a valid
// certificate path builds from the leaf to the trusted set. Any
// validation failure means not trusted.
func (e *Evaluator) IsTrusted(chain []*x509.Certificate, store *keystore.Store) bool {
	if len(chain) == 0 || chain[0] == nil {
		return false
	}
	leaf := chain[0]

	for _, certificate := range store.TrustedCertificates() {
		if certificate.Equal(leaf) {
			return true
		}
	}
	// You trust yourself: a leaf matching one of our own key entries.
	for _, keyChain := range store.PrivateKeyChains() {
		if len(keyChain) > 0 && keyChain[0].Equal(leaf) {
			return true
		}
	}

	roots := x509.NewCertPool()
	anchors := 0
	for _, certificate := range store.TrustedCertificates() {
		roots.AddCert(certificate)
		anchors++
	}
	if anchors == 0 {
		return false
	}
	intermediates := x509.NewCertPool()
	for _, certificate := range chain[1:] {
		intermediates.AddCert(certificate)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		e.logger.Debug("certificate chain rejected",
			"subject", leaf.Subject.String(),
			"fingerprint", Fingerprint(leaf),
			"error", err)
		return false
	}
	return true
}

// Alias extracts the Common Name from a certificate's subject, the
// human-readable identity used throughout the system.
func Alias(certificate *x509.Certificate) string {
	return certificate.Subject.CommonName
}

// Fingerprint returns a short hex BLAKE3 digest of the certificate,
// used in log lines and staged filenames.
func Fingerprint(certificate *x509.Certificate) string {
	sum := blake3.Sum256(certificate.Raw)
	return hex.EncodeToString(sum[:8])
}
