// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// stagedName validates names passed back in by operators (for example
// through the console's addUser command) before they touch the
// filesystem.
var stagedName = regexp.MustCompile(`^[\w]+\.crt$`)

// Staging is the on-disk holding area for certificates seen over a
// secure channel but not (yet) trusted.
type Staging struct {
	dir string
}

// NewStaging creates a staging area rooted at dir. The directory is
// created on first Record.
func NewStaging(dir string) *Staging {
	return &Staging{dir: dir}
}

// Record writes the certificate to the staging area in PEM form and
// returns the staged filename. The name is the sanitized subject plus
// a fingerprint so two identities with the same subject do not
// overwrite each other. Recording the same certificate twice is a
// no-op.
func (s *Staging) Record(certificate *x509.Certificate) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating staging area: %w", err)
	}
	name := sanitize(certificate.Subject.String()) + "_" + Fingerprint(certificate) + ".crt"
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return name, nil
	}
	if err := os.WriteFile(path, EncodeCertificatePEM(certificate), 0o600); err != nil {
		return "", fmt.Errorf("staging certificate: %w", err)
	}
	return name, nil
}

// List returns the staged certificate filenames, sorted.
func (s *Staging) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".crt") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads a staged certificate by filename. The name must match the
// staged-name pattern; anything else is rejected before hitting the
// filesystem.
func (s *Staging) Load(name string) (*x509.Certificate, error) {
	if !stagedName.MatchString(name) {
		return nil, fmt.Errorf("invalid staged certificate name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	return ParseCertificatePEM(data)
}

// Remove deletes a staged certificate. Removing an absent entry is a
// no-op.
func (s *Staging) Remove(name string) error {
	if !stagedName.MatchString(name) {
		return fmt.Errorf("invalid staged certificate name %q", name)
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

var unsafeChars = regexp.MustCompile(`[^\w]+`)

// sanitize reduces a certificate subject to a filesystem-safe name.
func sanitize(subject string) string {
	return unsafeChars.ReplaceAllString(subject, "_")
}
