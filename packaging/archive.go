// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package packaging

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/nabu-platform/triton/lib/properties"
	"github.com/nabu-platform/triton/lib/trust"
)

const (
	// ManifestName is the property file at the archive root declaring
	// module, version, and per-file signatures.
	ManifestName = "manifest.tr"

	// AuthorCertName is the PEM certificate at the archive root
	// identifying the package author.
	AuthorCertName = "author.crt"

	// ScriptsDir is the reserved top-level directory whose content is
	// served live from the archive instead of being extracted.
	ScriptsDir = "scripts"

	signaturePrefix = "signature-"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z-]+$`)

// Description identifies one validated package. Equality is defined by
// the (author certificate, module, version) triple, never by module
// name alone, since different authors may publish the same module.
type Description struct {
	Author      string
	Module      string
	Version     string
	Certificate *x509.Certificate

	// InstalledPath is the retained archive copy under the packages
	// directory, empty until installed.
	InstalledPath string
}

func (d *Description) String() string {
	return fmt.Sprintf("%s-%s by %s", d.Module, d.Version, d.Author)
}

// SameModule reports whether other names the same module by the same
// author, ignoring version.
func (d *Description) SameModule(other *Description) bool {
	return d.Module == other.Module && d.Certificate.Equal(other.Certificate)
}

// Archive is an opened package zip held fully in memory.
type Archive struct {
	reader   *zip.Reader
	manifest *properties.Properties
	author   *x509.Certificate
}

// OpenArchive parses raw as a zip and reads the root manifest and
// author certificate when present. Their absence is not an open error;
// Validate reports it as a rejection instead.
func OpenArchive(raw []byte) (*Archive, error) {
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	archive := &Archive{reader: reader}

	if content, err := archive.file(ManifestName); err == nil {
		manifest, err := properties.Parse(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		archive.manifest = manifest
	}
	if content, err := archive.file(AuthorCertName); err == nil {
		author, err := trust.ParseCertificatePEM(content)
		if err != nil {
			return nil, fmt.Errorf("reading author certificate: %w", err)
		}
		archive.author = author
	}
	return archive, nil
}

// Author returns the embedded author certificate, or nil.
func (a *Archive) Author() *x509.Certificate { return a.author }

// file reads one entry by exact name.
func (a *Archive) file(name string) ([]byte, error) {
	reader, err := a.reader.Open(name)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Validate checks the archive per the packaging trust rules: manifest
// and author certificate present, well-formed module name, author
// trusted per the supplied check, and every non-root file's signature
// verifiable. trusted is consulted with the author certificate as a
// single-element chain.
func (a *Archive) Validate(trusted func(chain []*x509.Certificate) bool) (*Description, error) {
	if a.manifest == nil {
		return nil, fmt.Errorf("archive has no %s", ManifestName)
	}
	module := a.manifest.GetDefault("module", "")
	if !moduleNamePattern.MatchString(module) {
		return nil, fmt.Errorf("invalid module name %q", module)
	}
	if a.author == nil {
		return nil, fmt.Errorf("archive has no %s", AuthorCertName)
	}
	if !trusted([]*x509.Certificate{a.author}) {
		return nil, fmt.Errorf("%w: author %q is not trusted", ErrUntrustedArchive, trust.Alias(a.author))
	}

	for _, entry := range a.reader.File {
		name := strings.TrimSuffix(entry.Name, "/")
		if entry.FileInfo().IsDir() || !strings.Contains(name, "/") {
			// directories are not signed; root-level files (manifest,
			// author certificate) cannot sign themselves
			continue
		}
		content, err := a.file(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name, err)
		}
		if err := a.VerifyFile(name, content); err != nil {
			return nil, err
		}
	}

	return &Description{
		Author:      trust.Alias(a.author),
		Module:      module,
		Version:     a.manifest.GetDefault("version", ""),
		Certificate: a.author,
	}, nil
}

// VerifyFile checks content against the manifest signature for the
// given slash-separated archive path. Used both during validation and
// by uninstall to decide whether an on-disk file still belongs to this
// package.
func (a *Archive) VerifyFile(path string, content []byte) error {
	if a.manifest == nil || a.author == nil {
		return fmt.Errorf("archive has no manifest or author")
	}
	if !a.manifest.Has(signaturePrefix + path) {
		return fmt.Errorf("no signature for %s", path)
	}
	encoded := a.manifest.Get(signaturePrefix + path)
	signature, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("malformed signature for %s: %w", path, err)
	}
	public, ok := a.author.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("author key is %T, expected RSA", a.author.PublicKey)
	}
	digest := sha512.Sum512(content)
	if err := rsa.VerifyPKCS1v15(public, crypto.SHA512, digest[:], signature); err != nil {
		return fmt.Errorf("invalid signature for %s", path)
	}
	return nil
}

// TopLevelDirs lists the archive's top-level directory names.
func (a *Archive) TopLevelDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, entry := range a.reader.File {
		name := strings.TrimSuffix(entry.Name, "/")
		index := strings.Index(name, "/")
		var top string
		if index >= 0 {
			top = name[:index]
		} else if entry.FileInfo().IsDir() {
			top = name
		} else {
			continue
		}
		if !seen[top] {
			seen[top] = true
			dirs = append(dirs, top)
		}
	}
	return dirs
}

// FilesUnder returns the slash-separated paths of regular files under
// the given top-level directory.
func (a *Archive) FilesUnder(top string) []string {
	var files []string
	for _, entry := range a.reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name, top+"/") {
			files = append(files, entry.Name)
		}
	}
	return files
}
