// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package packaging

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nabu-platform/triton/lib/trust"
	"github.com/nabu-platform/triton/script"
)

var (
	// ErrUntrustedArchive rejects an archive whose author is not
	// trusted by the packaging store.
	ErrUntrustedArchive = errors.New("archive is not trusted")

	// ErrAlreadyInstalled reports an install of the exact module
	// version already present. The installation is a no-op.
	ErrAlreadyInstalled = errors.New("module is already installed")

	// ErrVersionConflict reports a non-interactive, unforced install
	// of a different version of an installed module.
	ErrVersionConflict = errors.New("another version of this module is installed, uninstall it first")

	// ErrDeclined reports that the interactive caller declined a
	// confirmation prompt. No changes were made.
	ErrDeclined = errors.New("installation declined")
)

// InstallerConfig wires an Installer to its collaborators.
type InstallerConfig struct {
	// PackagesDir holds the retained archive copies.
	PackagesDir string

	// Folder resolves a top-level archive directory name to the
	// configuration subfolder it installs into.
	Folder func(name string) (string, error)

	// Trusted checks a certificate chain against the packaging store.
	Trusted func(chain []*x509.Certificate) bool

	// Trust persists a certificate as a trusted package author.
	Trust func(certificate *x509.Certificate) error

	// Reload is invoked after installs and uninstalls that changed
	// script content.
	Reload func() error

	Logger *slog.Logger
}

type installedPackage struct {
	description *Description
	archive     *Archive
}

// Installer validates, installs, and uninstalls signed package
// archives, and maintains the in-memory package index.
type Installer struct {
	packagesDir string
	folder      func(name string) (string, error)
	trusted     func(chain []*x509.Certificate) bool
	trust       func(certificate *x509.Certificate) error
	reload      func() error
	logger      *slog.Logger

	mu       sync.Mutex
	packages []*installedPackage
}

// NewInstaller creates an installer. Call Scan to load the index from
// the packages directory.
func NewInstaller(cfg InstallerConfig) *Installer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reload := cfg.Reload
	if reload == nil {
		reload = func() error { return nil }
	}
	return &Installer{
		packagesDir: cfg.PackagesDir,
		folder:      cfg.Folder,
		trusted:     cfg.Trusted,
		trust:       cfg.Trust,
		reload:      reload,
		logger:      logger,
	}
}

// Scan loads and validates the retained archives in the packages
// directory. Invalid archives are logged and skipped, never fatal.
func (i *Installer) Scan() error {
	entries, err := os.ReadDir(i.packagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var packages []*installedPackage
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		path := filepath.Join(i.packagesDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		archive, err := OpenArchive(raw)
		if err != nil {
			i.logger.Warn("skipping unreadable package archive", "path", path, "error", err)
			continue
		}
		description, err := archive.Validate(i.trusted)
		if err != nil {
			i.logger.Warn("skipping invalid package archive", "path", path, "error", err)
			continue
		}
		description.InstalledPath = path
		packages = append(packages, &installedPackage{description: description, archive: archive})
	}

	i.mu.Lock()
	i.packages = packages
	i.mu.Unlock()
	return nil
}

// Installed returns the package index, sorted by module then author.
func (i *Installer) Installed() []*Description {
	i.mu.Lock()
	defer i.mu.Unlock()
	descriptions := make([]*Description, 0, len(i.packages))
	for _, pkg := range i.packages {
		descriptions = append(descriptions, pkg.description)
	}
	sort.Slice(descriptions, func(a, b int) bool {
		if descriptions[a].Module != descriptions[b].Module {
			return descriptions[a].Module < descriptions[b].Module
		}
		return descriptions[a].Author < descriptions[b].Author
	})
	return descriptions
}

// Authored returns the installed packages whose author certificate
// matches.
func (i *Installer) Authored(certificate *x509.Certificate) []*Description {
	var authored []*Description
	for _, description := range i.Installed() {
		if description.Certificate.Equal(certificate) {
			authored = append(authored, description)
		}
	}
	return authored
}

// Install validates raw and installs it. When input is non-nil the
// caller is interactive: an untrusted author triggers a trust prompt
// and a module conflict triggers an overwrite prompt, both defaulting
// to "no". Non-interactive installs fail instead of prompting.
func (i *Installer) Install(raw []byte, force bool, input script.InputFunc) (*Description, error) {
	archive, err := OpenArchive(raw)
	if err != nil {
		return nil, err
	}

	// a failed install is most often an unknown author, so resolve
	// that interactively before full validation
	if author := archive.Author(); author != nil && input != nil && !i.trusted([]*x509.Certificate{author}) {
		prompt := fmt.Sprintf("The author '%s' is not trusted, do you want to add the author to your list of trusted authors? [y/N]: ", trust.Alias(author))
		answer, err := input(prompt, false, "n")
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return nil, fmt.Errorf("%w: author %q was declined", ErrUntrustedArchive, trust.Alias(author))
		}
		if err := i.trust(author); err != nil {
			return nil, fmt.Errorf("trusting author: %w", err)
		}
	}

	description, err := archive.Validate(i.trusted)
	if err != nil {
		return nil, err
	}

	if existing := i.findSameModule(description); existing != nil {
		switch {
		case existing.Version == description.Version && !force:
			return existing, ErrAlreadyInstalled
		case !force && input != nil:
			prompt := fmt.Sprintf("You already have version '%s' of module '%s' installed. Do you want to install version '%s' [y/N]: ",
				existing.Version, description.Module, description.Version)
			answer, err := input(prompt, false, "n")
			if err != nil {
				return nil, err
			}
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				return nil, ErrDeclined
			}
		case !force:
			return nil, ErrVersionConflict
		}
		if err := i.Uninstall(existing); err != nil {
			return nil, fmt.Errorf("removing previous version: %w", err)
		}
	}

	requireReload, err := i.extract(archive)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(i.packagesDir, 0o700); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s.%s.zip", description.Module, description.Version, uuid.NewString())
	path := filepath.Join(i.packagesDir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	description.InstalledPath = path

	i.mu.Lock()
	i.packages = append(i.packages, &installedPackage{description: description, archive: archive})
	i.mu.Unlock()

	i.logger.Info("installed package", "module", description.Module, "version", description.Version, "author", description.Author)
	if requireReload {
		return description, i.reload()
	}
	return description, nil
}

// extract copies every top-level directory except scripts into its
// configuration subfolder, overwriting existing files. It reports
// whether the archive carries scripts.
func (i *Installer) extract(archive *Archive) (requireReload bool, err error) {
	for _, top := range archive.TopLevelDirs() {
		if top == ScriptsDir {
			requireReload = true
			continue
		}
		target, err := i.folder(top)
		if err != nil {
			return false, err
		}
		for _, name := range archive.FilesUnder(top) {
			relative, err := safeRelative(top, name)
			if err != nil {
				return false, err
			}
			content, err := archive.file(name)
			if err != nil {
				return false, err
			}
			destination := filepath.Join(target, relative)
			if err := os.MkdirAll(filepath.Dir(destination), 0o700); err != nil {
				return false, err
			}
			if err := os.WriteFile(destination, content, 0o600); err != nil {
				return false, err
			}
		}
	}
	return requireReload, nil
}

// Uninstall removes a package: installed files whose on-disk signature
// still matches the manifest are deleted, emptied directories are
// pruned, the retained archive is removed, and the index entry is
// dropped. Files modified or added by anyone else are left alone.
func (i *Installer) Uninstall(description *Description) error {
	i.mu.Lock()
	index := -1
	for n, pkg := range i.packages {
		if pkg.description.SameModule(description) && pkg.description.Version == description.Version {
			index = n
			break
		}
	}
	if index < 0 {
		i.mu.Unlock()
		return nil
	}
	pkg := i.packages[index]
	i.packages = append(i.packages[:index], i.packages[index+1:]...)
	i.mu.Unlock()

	path := pkg.description.InstalledPath
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// re-derive manifest and author from the stored copy rather than
	// trusting the in-memory index
	archive, err := OpenArchive(raw)
	if err != nil {
		return err
	}

	requireReload := false
	for _, top := range archive.TopLevelDirs() {
		if top == ScriptsDir {
			requireReload = true
			continue
		}
		target, err := i.folder(top)
		if err != nil {
			return err
		}
		var dirs []string
		for _, name := range archive.FilesUnder(top) {
			relative, err := safeRelative(top, name)
			if err != nil {
				return err
			}
			onDisk := filepath.Join(target, relative)
			content, err := os.ReadFile(onDisk)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
			// only remove files that still carry this package's
			// signature, never anything modified since install
			if archive.VerifyFile(name, content) != nil {
				continue
			}
			if err := os.Remove(onDisk); err != nil {
				return err
			}
			for dir := filepath.Dir(onDisk); strings.HasPrefix(dir, target); dir = filepath.Dir(dir) {
				dirs = append(dirs, dir)
			}
		}
		// deepest first, so nested emptied directories fold up
		sort.Slice(dirs, func(a, b int) bool { return len(dirs[a]) > len(dirs[b]) })
		for _, dir := range dirs {
			// fails while non-empty, which is exactly the guard we want
			os.Remove(dir)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	i.logger.Info("uninstalled package", "module", pkg.description.Module, "version", pkg.description.Version)
	if requireReload {
		return i.reload()
	}
	return nil
}

// ScriptContainers returns one script container per installed package
// that carries a scripts directory, serving the scripts live from the
// retained archive.
func (i *Installer) ScriptContainers() []script.Container {
	i.mu.Lock()
	defer i.mu.Unlock()
	var containers []script.Container
	for _, pkg := range i.packages {
		for _, top := range pkg.archive.TopLevelDirs() {
			if top == ScriptsDir {
				containers = append(containers, &archiveContainer{
					name:    pkg.description.String(),
					archive: pkg.archive,
				})
				break
			}
		}
	}
	return containers
}

func (i *Installer) findSameModule(description *Description) *Description {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, pkg := range i.packages {
		if pkg.description.SameModule(description) {
			return pkg.description
		}
	}
	return nil
}

// safeRelative strips the top-level directory from an archive path and
// rejects traversal attempts.
func safeRelative(top, name string) (string, error) {
	relative := strings.TrimPrefix(name, top+"/")
	for _, part := range strings.Split(relative, "/") {
		if part == ".." || part == "" {
			return "", fmt.Errorf("unsafe archive path %q", name)
		}
	}
	return filepath.FromSlash(relative), nil
}

// archiveContainer serves a package's scripts directly out of its
// retained archive.
type archiveContainer struct {
	name    string
	archive *Archive
}

func (c *archiveContainer) Name() string { return c.name }

func (c *archiveContainer) Scripts() ([]script.Script, error) {
	var scripts []script.Script
	for _, name := range c.archive.FilesUnder(ScriptsDir) {
		if !strings.HasSuffix(name, script.Extension) {
			continue
		}
		content, err := c.archive.file(name)
		if err != nil {
			return nil, err
		}
		base := name[strings.LastIndex(name, "/")+1:]
		scripts = append(scripts, script.Script{
			Name:   strings.TrimSuffix(base, script.Extension),
			Source: string(content),
		})
	}
	return scripts, nil
}
