// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package packaging

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/nabu-platform/triton/lib/properties"
	"github.com/nabu-platform/triton/lib/trust"
)

// Sign rebuilds raw (a zip of content directories) into a signed
// package archive: a manifest with module, version, and one signature
// entry per non-root file is generated, and the author certificate is
// embedded at the root. Any manifest or author certificate already
// present in the input is replaced.
func Sign(raw []byte, module, version string, key crypto.Signer, certificate *x509.Certificate) ([]byte, error) {
	if !moduleNamePattern.MatchString(module) {
		return nil, fmt.Errorf("invalid module name %q", module)
	}
	if version == "" {
		version = "1.0.0"
	}
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading content archive: %w", err)
	}

	manifest := properties.New()
	manifest.Set("module", module)
	manifest.Set("version", version)

	var output bytes.Buffer
	writer := zip.NewWriter(&output)

	for _, entry := range reader.File {
		name := strings.TrimSuffix(entry.Name, "/")
		if name == ManifestName || name == AuthorCertName {
			continue
		}
		if entry.FileInfo().IsDir() {
			if _, err := writer.Create(entry.Name); err != nil {
				return nil, err
			}
			continue
		}
		source, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(source)
		source.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name, err)
		}
		// root-level files are carried but cannot be signed
		if strings.Contains(name, "/") {
			signature, err := signContent(content, key)
			if err != nil {
				return nil, fmt.Errorf("signing %s: %w", name, err)
			}
			manifest.Set(signaturePrefix+name, signature)
		}
		target, err := writer.Create(entry.Name)
		if err != nil {
			return nil, err
		}
		if _, err := target.Write(content); err != nil {
			return nil, err
		}
	}

	var manifestText bytes.Buffer
	if err := manifest.Write(&manifestText); err != nil {
		return nil, err
	}
	target, err := writer.Create(ManifestName)
	if err != nil {
		return nil, err
	}
	if _, err := target.Write(manifestText.Bytes()); err != nil {
		return nil, err
	}

	target, err = writer.Create(AuthorCertName)
	if err != nil {
		return nil, err
	}
	if _, err := target.Write(trust.EncodeCertificatePEM(certificate)); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

func signContent(content []byte, key crypto.Signer) (string, error) {
	digest := sha512.Sum512(content)
	signature, err := key.Sign(rand.Reader, digest[:], crypto.SHA512)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}
