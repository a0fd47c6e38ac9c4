// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package packaging

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/nabu-platform/triton/lib/trust"
)

func author(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	signer, certificate, err := trust.GenerateSelfSigned(trust.Subject{CommonName: cn}, 2048, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return signer.(*rsa.PrivateKey), certificate
}

// contentZip builds an unsigned zip from path->content pairs.
func contentZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		target, err := writer.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := target.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func trustOnly(certs ...*x509.Certificate) func(chain []*x509.Certificate) bool {
	return func(chain []*x509.Certificate) bool {
		for _, trusted := range certs {
			if len(chain) > 0 && chain[0].Equal(trusted) {
				return true
			}
		}
		return false
	}
}

// testInstaller builds an installer rooted in a temp directory whose
// component folders live under base/<name>.
func testInstaller(t *testing.T, trusted ...*x509.Certificate) (*Installer, string) {
	t.Helper()
	base := t.TempDir()
	installer := NewInstaller(InstallerConfig{
		PackagesDir: filepath.Join(base, "packages"),
		Folder: func(name string) (string, error) {
			dir := filepath.Join(base, name)
			return dir, os.MkdirAll(dir, 0o700)
		},
		Trusted: trustOnly(trusted...),
		Trust:   func(*x509.Certificate) error { return nil },
	})
	return installer, base
}

func TestArchiveRoundTrip(t *testing.T) {
	key, certificate := author(t, "alice")
	raw := contentZip(t, map[string]string{
		"bin/tool.sh":       "echo hello",
		"scripts/job.glue":  "console(1)",
		"bin/nested/a.conf": "a=1",
	})
	signed, err := Sign(raw, "my-module", "1.2.3", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	archive, err := OpenArchive(signed)
	if err != nil {
		t.Fatal(err)
	}
	description, err := archive.Validate(trustOnly(certificate))
	if err != nil {
		t.Fatal(err)
	}
	if description.Module != "my-module" || description.Version != "1.2.3" || description.Author != "alice" {
		t.Fatalf("round trip description: %+v", description)
	}
}

func TestSignRejectsBadModuleName(t *testing.T) {
	key, certificate := author(t, "alice")
	if _, err := Sign(contentZip(t, nil), "Bad_Name", "1.0.0", key, certificate); err == nil {
		t.Fatal("module name with uppercase and underscore accepted")
	}
}

func TestTamperDetectionIsPerFile(t *testing.T) {
	key, certificate := author(t, "alice")
	signed, err := Sign(contentZip(t, map[string]string{
		"bin/good.sh": "echo good",
		"bin/evil.sh": "echo innocent",
	}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}

	// rebuild the archive with one file's bytes changed after signing
	reader, err := zip.NewReader(bytes.NewReader(signed), int64(len(signed)))
	if err != nil {
		t.Fatal(err)
	}
	var tampered bytes.Buffer
	writer := zip.NewWriter(&tampered)
	for _, entry := range reader.File {
		source, err := entry.Open()
		if err != nil {
			t.Fatal(err)
		}
		content := new(bytes.Buffer)
		if _, err := content.ReadFrom(source); err != nil {
			t.Fatal(err)
		}
		source.Close()
		data := content.Bytes()
		if entry.Name == "bin/evil.sh" {
			data = []byte("echo pwned!!!")
		}
		target, err := writer.Create(entry.Name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := target.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	archive, err := OpenArchive(tampered.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := archive.Validate(trustOnly(certificate)); err == nil {
		t.Fatal("tampered archive validated")
	}
	// the untouched file's signature still verifies in isolation
	if err := archive.VerifyFile("bin/good.sh", []byte("echo good")); err != nil {
		t.Fatalf("untouched file reported invalid: %v", err)
	}
	if err := archive.VerifyFile("bin/evil.sh", []byte("echo pwned!!!")); err == nil {
		t.Fatal("tampered file reported valid")
	}
}

func TestUntrustedAuthorRejected(t *testing.T) {
	key, certificate := author(t, "mallory")
	signed, err := Sign(contentZip(t, map[string]string{"bin/x": "x"}), "mod", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	archive, err := OpenArchive(signed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := archive.Validate(trustOnly()); !errors.Is(err, ErrUntrustedArchive) {
		t.Fatalf("got %v, want ErrUntrustedArchive", err)
	}
}

func TestInstallIdempotence(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, _ := testInstaller(t, certificate)
	signed, err := Sign(contentZip(t, map[string]string{"bin/tool": "v1"}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := installer.Install(signed, false, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := installer.Install(signed, false, nil); !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("second install: got %v, want ErrAlreadyInstalled", err)
	}
	if got := len(installer.Installed()); got != 1 {
		t.Fatalf("index holds %d packages, want 1", got)
	}
}

func TestForcedInstallReplacesArchive(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, base := testInstaller(t, certificate)
	signed, err := Sign(contentZip(t, map[string]string{"bin/tool": "v1"}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}

	first, err := installer.Install(signed, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := installer.Install(signed, true, nil)
	if err != nil {
		t.Fatalf("forced reinstall: %v", err)
	}
	if got := len(installer.Installed()); got != 1 {
		t.Fatalf("index holds %d packages, want 1", got)
	}
	if _, err := os.Stat(first.InstalledPath); !os.IsNotExist(err) {
		t.Fatal("old archive copy still present after forced reinstall")
	}
	if _, err := os.Stat(second.InstalledPath); err != nil {
		t.Fatalf("new archive copy missing: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "packages"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("packages dir holds %d archives, want 1", len(entries))
	}
}

func TestVersionConflictNonInteractive(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, _ := testInstaller(t, certificate)
	v1, err := Sign(contentZip(t, map[string]string{"bin/tool": "v1"}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := Sign(contentZip(t, map[string]string{"bin/tool": "v2"}), "my-module", "2.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := installer.Install(v1, false, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := installer.Install(v2, false, nil); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}
	if _, err := installer.Install(v2, true, nil); err != nil {
		t.Fatalf("forced upgrade: %v", err)
	}
	installed := installer.Installed()
	if len(installed) != 1 || installed[0].Version != "2.0.0" {
		t.Fatalf("after upgrade: %+v", installed)
	}
}

func TestInteractiveConflictDefaultsToNo(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, _ := testInstaller(t, certificate)
	v1, _ := Sign(contentZip(t, map[string]string{"bin/tool": "v1"}), "my-module", "1.0.0", key, certificate)
	v2, _ := Sign(contentZip(t, map[string]string{"bin/tool": "v2"}), "my-module", "2.0.0", key, certificate)

	if _, err := installer.Install(v1, false, nil); err != nil {
		t.Fatal(err)
	}
	// an interactive caller that just hits enter keeps the old version
	decline := func(prompt string, secret bool, defaultValue string) (string, error) {
		return defaultValue, nil
	}
	if _, err := installer.Install(v2, false, decline); !errors.Is(err, ErrDeclined) {
		t.Fatalf("got %v, want ErrDeclined", err)
	}
	accept := func(prompt string, secret bool, defaultValue string) (string, error) {
		return "y", nil
	}
	if _, err := installer.Install(v2, false, accept); err != nil {
		t.Fatalf("confirmed upgrade: %v", err)
	}
	installed := installer.Installed()
	if len(installed) != 1 || installed[0].Version != "2.0.0" {
		t.Fatalf("after confirmed upgrade: %+v", installed)
	}
}

func TestUninstallPrecision(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, base := testInstaller(t, certificate)
	signed, err := Sign(contentZip(t, map[string]string{
		"bin/tool":       "original",
		"bin/sub/deep":   "nested",
		"config/app.cfg": "port=1",
	}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	description, err := installer.Install(signed, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	// a user drops an unrelated file next to the installed one and
	// modifies an installed file
	userFile := filepath.Join(base, "bin", "user-note.txt")
	if err := os.WriteFile(userFile, []byte("mine"), 0o600); err != nil {
		t.Fatal(err)
	}
	modified := filepath.Join(base, "config", "app.cfg")
	if err := os.WriteFile(modified, []byte("port=2"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := installer.Uninstall(description); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(base, "bin", "tool")); !os.IsNotExist(err) {
		t.Fatal("installed file survived uninstall")
	}
	if _, err := os.Stat(filepath.Join(base, "bin", "sub")); !os.IsNotExist(err) {
		t.Fatal("emptied directory survived uninstall")
	}
	if _, err := os.Stat(userFile); err != nil {
		t.Fatal("user file was deleted by uninstall")
	}
	if _, err := os.Stat(modified); err != nil {
		t.Fatal("modified file was deleted by uninstall")
	}
	if _, err := os.Stat(filepath.Join(base, "bin")); err != nil {
		// bin still holds the user file, so it must survive
		t.Fatal("non-empty folder was deleted by uninstall")
	}
	if len(installer.Installed()) != 0 {
		t.Fatalf("index not empty after uninstall: %+v", installer.Installed())
	}
	if _, err := os.Stat(description.InstalledPath); !os.IsNotExist(err) {
		t.Fatal("archive copy survived uninstall")
	}
}

func TestScanRebuildsIndex(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, base := testInstaller(t, certificate)
	signed, err := Sign(contentZip(t, map[string]string{"bin/tool": "x"}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := installer.Install(signed, false, nil); err != nil {
		t.Fatal(err)
	}

	// a fresh installer over the same directories rediscovers the
	// package at startup
	rescanned := NewInstaller(InstallerConfig{
		PackagesDir: filepath.Join(base, "packages"),
		Folder: func(name string) (string, error) {
			return filepath.Join(base, name), nil
		},
		Trusted: trustOnly(certificate),
	})
	if err := rescanned.Scan(); err != nil {
		t.Fatal(err)
	}
	installed := rescanned.Installed()
	if len(installed) != 1 || installed[0].Module != "my-module" {
		t.Fatalf("rescan found %+v", installed)
	}
}

func TestScriptContainers(t *testing.T) {
	key, certificate := author(t, "alice")
	installer, _ := testInstaller(t, certificate)
	signed, err := Sign(contentZip(t, map[string]string{
		"scripts/deploy.glue": "console(1)",
		"scripts/readme.txt":  "not a script",
	}), "my-module", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	reloaded := false
	installer.reload = func() error { reloaded = true; return nil }
	if _, err := installer.Install(signed, false, nil); err != nil {
		t.Fatal(err)
	}
	if !reloaded {
		t.Fatal("install with scripts did not trigger a reload")
	}

	containers := installer.ScriptContainers()
	if len(containers) != 1 {
		t.Fatalf("got %d containers, want 1", len(containers))
	}
	scripts, err := containers[0].Scripts()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].Name != "deploy" {
		t.Fatalf("container scripts: %+v", scripts)
	}
}

func TestInteractiveTrustPromptDefaultsToNo(t *testing.T) {
	key, certificate := author(t, "mallory")
	installer, _ := testInstaller(t) // nobody trusted
	signed, err := Sign(contentZip(t, map[string]string{"bin/x": "x"}), "mod", "1.0.0", key, certificate)
	if err != nil {
		t.Fatal(err)
	}
	decline := func(prompt string, secret bool, defaultValue string) (string, error) {
		return defaultValue, nil
	}
	if _, err := installer.Install(signed, false, decline); !errors.Is(err, ErrUntrustedArchive) {
		t.Fatalf("got %v, want ErrUntrustedArchive", err)
	}

	// accepting the prompt records trust and the install proceeds
	trusted := make(map[string]bool)
	installer.trust = func(c *x509.Certificate) error {
		trusted[trust.Fingerprint(c)] = true
		return nil
	}
	installer.trusted = func(chain []*x509.Certificate) bool {
		return len(chain) > 0 && trusted[trust.Fingerprint(chain[0])]
	}
	accept := func(prompt string, secret bool, defaultValue string) (string, error) {
		return "y", nil
	}
	if _, err := installer.Install(signed, false, accept); err != nil {
		t.Fatalf("install after trust prompt: %v", err)
	}
}
