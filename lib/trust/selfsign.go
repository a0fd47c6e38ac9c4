// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// Subject describes the distinguished name of a generated certificate.
type Subject struct {
	CommonName         string
	Organisation       string
	OrganisationalUnit string
	Locality           string
	State              string
	Country            string
}

func (s Subject) name() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organisation != "" {
		name.Organization = []string{s.Organisation}
	}
	if s.OrganisationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganisationalUnit}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	return name
}

// GenerateSelfSigned creates an RSA key of the given size and a
// self-signed certificate over it, valid from now for the given
// duration. Used to bootstrap both the server TLS identity and
// package-author profiles.
func GenerateSelfSigned(subject Subject, bits int, validity time.Duration) (crypto.Signer, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating RSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}
	name := subject.name()
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing generated certificate: %w", err)
	}
	return key, certificate, nil
}

// EncodeCertificatePEM renders a certificate in PEM form.
func EncodeCertificatePEM(certificate *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certificate.Raw})
}

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
