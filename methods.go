// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package triton

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nabu-platform/triton/lib/keystore"
	"github.com/nabu-platform/triton/lib/trust"
	"github.com/nabu-platform/triton/packaging"
	"github.com/nabu-platform/triton/script"
)

// userPrefix marks client and author identities in the keystores,
// keeping them apart from profile keys in the same store.
const userPrefix = "user-"

// stagedNamePattern matches filenames in the untrusted staging
// folder, so addUser and removeUser can tell a staged certificate
// apart from inline PEM or a plain alias.
var stagedNamePattern = regexp.MustCompile(`^[\w.-]+\.crt$`)

// fileEditor is implemented by console sessions that negotiated the
// file edit protocol.
type fileEditor interface {
	Edit(path string) error
}

// methods returns the administrative callable catalogue. Everything
// here requires an authenticated session.
func (a *Agent) methods() []script.Callable {
	admin := func(name string, params []string, invoke func(call *script.Call) (any, error)) script.Callable {
		return script.Callable{Namespace: "triton", Name: name, Params: params, Admin: true, Invoke: invoke}
	}
	return []script.Callable{
		admin("connected", nil, a.connectedMethod),
		admin("disconnect", []string{"id"}, a.disconnectMethod),
		admin("installed", nil, a.installedMethod),
		admin("install", []string{"path", "force"}, a.installMethod),
		admin("uninstall", []string{"module"}, a.uninstallMethod),
		admin("sign", []string{"path", "module", "version", "profile", "keyPassword"}, a.signMethod),
		admin("users", nil, a.usersMethod),
		admin("addUser", []string{"certificate"}, a.addUserMethod),
		admin("removeUser", []string{"alias"}, a.removeUserMethod),
		admin("authors", nil, a.authorsMethod),
		admin("addAuthor", []string{"certificate"}, a.addAuthorMethod),
		admin("removeAuthor", []string{"alias", "force"}, a.removeAuthorMethod),
		admin("authored", []string{"alias"}, a.authoredMethod),
		admin("pending", nil, a.pendingMethod),
		admin("environment", []string{"key", "default", "force", "secret"}, a.environmentMethod),
		{Name: "edit", Params: []string{"path"}, Admin: true, Invoke: a.editMethod},
	}
}

func (a *Agent) connectedMethod(call *script.Call) (any, error) {
	var lines []string
	for _, session := range a.server.Sessions() {
		lines = append(lines, session.String())
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func (a *Agent) disconnectMethod(call *script.Call) (any, error) {
	id := call.Int(0, -1)
	if id < 0 {
		return nil, errors.New("disconnect requires a session id")
	}
	if !a.server.Disconnect(id) {
		return nil, fmt.Errorf("no session #%d", id)
	}
	return fmt.Sprintf("disconnected #%d", id), nil
}

func (a *Agent) installedMethod(call *script.Call) (any, error) {
	var lines []string
	for _, description := range a.installer.Installed() {
		lines = append(lines, description.String())
	}
	return strings.Join(lines, "\n"), nil
}

func (a *Agent) installMethod(call *script.Call) (any, error) {
	path := call.String(0, "")
	if path == "" {
		return nil, errors.New("install requires an archive path")
	}
	raw, err := os.ReadFile(a.resolvePath(path))
	if err != nil {
		return nil, err
	}
	description, err := a.installer.Install(raw, call.Bool(1), a.sessionInput(call))
	if errors.Is(err, packaging.ErrAlreadyInstalled) {
		return "This module is already installed", nil
	}
	if err != nil {
		return nil, err
	}
	return "installed " + description.String(), nil
}

func (a *Agent) uninstallMethod(call *script.Call) (any, error) {
	module := call.String(0, "")
	if module == "" {
		return nil, errors.New("uninstall requires a module name")
	}
	var matches []*packaging.Description
	for _, description := range a.installer.Installed() {
		if description.Module == module {
			matches = append(matches, description)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("module %q is not installed", module)
	case 1:
		if err := a.installer.Uninstall(matches[0]); err != nil {
			return nil, err
		}
		return "uninstalled " + matches[0].String(), nil
	default:
		var authors []string
		for _, description := range matches {
			authors = append(authors, description.Author)
		}
		return nil, fmt.Errorf("module %q is installed by multiple authors (%s)", module, strings.Join(authors, ", "))
	}
}

// signMethod wraps a plain zip into a signed package using a signing
// profile in the packaging store, generating the profile's key pair on
// first use.
func (a *Agent) signMethod(call *script.Call) (any, error) {
	path := call.String(0, "")
	module := call.String(1, "")
	if path == "" || module == "" {
		return nil, errors.New("sign requires an archive path and a module name")
	}
	version := call.String(2, "1.0.0")
	profile := call.String(3, a.cfg.Profile)
	keyPassword := call.String(4, a.cfg.KeyPassword)

	resolved := a.resolvePath(path)
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	key, chain, err := a.profileIdentity(a.packStore, profile, keyPassword)
	if err != nil {
		return nil, err
	}
	signed, err := packaging.Sign(raw, module, version, key, chain[0])
	if err != nil {
		return nil, err
	}
	out := filepath.Join(filepath.Dir(resolved), fmt.Sprintf("%s-%s-signed.zip", module, version))
	if err := os.WriteFile(out, signed, 0o600); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Agent) usersMethod(call *script.Call) (any, error) {
	return a.trustedAliases(a.authStore)
}

// addUserMethod trusts a client certificate for console access. The
// argument is either the filename of a staged untrusted certificate or
// inline PEM. The secure listener restarts so the change applies to
// new handshakes immediately.
func (a *Agent) addUserMethod(call *script.Call) (any, error) {
	argument := call.String(0, "")
	if argument == "" {
		return nil, errors.New("addUser requires a staged filename or a PEM certificate")
	}
	certificate, stagedName, err := a.resolveCertificate(argument)
	if err != nil {
		return nil, err
	}
	alias := trust.Alias(certificate)
	err = a.authStore.Mutate(func(store *keystore.Store) error {
		store.SetTrusted(userPrefix+alias, certificate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stagedName != "" {
		if err := a.staging.Remove(stagedName); err != nil {
			a.logger.Warn("removing staged certificate failed", "name", stagedName, "error", err)
		}
	}
	if err := a.server.RestartSecure(call.Ctx); err != nil {
		return nil, err
	}
	return "added user " + alias, nil
}

// removeUserMethod removes either a staged certificate (by filename)
// or a trusted user (by alias).
func (a *Agent) removeUserMethod(call *script.Call) (any, error) {
	name := call.String(0, "")
	if name == "" {
		return nil, errors.New("removeUser requires an alias or staged filename")
	}
	if stagedNamePattern.MatchString(name) {
		if _, err := a.staging.Load(name); err == nil {
			if err := a.staging.Remove(name); err != nil {
				return nil, err
			}
			return "removed staged certificate " + name, nil
		}
	}
	err := a.authStore.Mutate(func(store *keystore.Store) error {
		if store.Certificate(userPrefix+name) == nil {
			return fmt.Errorf("no user %q", name)
		}
		store.Delete(userPrefix + name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := a.server.RestartSecure(call.Ctx); err != nil {
		return nil, err
	}
	return "removed user " + name, nil
}

func (a *Agent) authorsMethod(call *script.Call) (any, error) {
	return a.trustedAliases(a.packStore)
}

func (a *Agent) addAuthorMethod(call *script.Call) (any, error) {
	argument := call.String(0, "")
	if argument == "" {
		return nil, errors.New("addAuthor requires a PEM certificate")
	}
	certificate, _, err := a.resolveCertificate(argument)
	if err != nil {
		return nil, err
	}
	if err := a.trustAuthor(certificate); err != nil {
		return nil, err
	}
	return "added author " + trust.Alias(certificate), nil
}

// removeAuthorMethod removes a trusted package author. When the author
// still has installed packages the removal is refused unless forced or
// interactively confirmed, in which case those packages are
// uninstalled first.
func (a *Agent) removeAuthorMethod(call *script.Call) (any, error) {
	alias := call.String(0, "")
	if alias == "" {
		return nil, errors.New("removeAuthor requires an alias")
	}
	store, err := a.packStore.Load()
	if err != nil {
		return nil, err
	}
	certificate := store.Certificate(userPrefix + alias)
	if certificate == nil {
		return nil, fmt.Errorf("no author %q", alias)
	}
	authored := a.installer.Authored(certificate)
	if len(authored) > 0 && !call.Bool(1) {
		input := a.sessionInput(call)
		if input == nil {
			return nil, fmt.Errorf("author %q still has %d installed packages, use force to remove them", alias, len(authored))
		}
		answer, err := input(fmt.Sprintf("Do you want to remove all %d packages attributed to this author? [y/N]: ", len(authored)), false, "n")
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return nil, fmt.Errorf("author %q not removed", alias)
		}
	}
	for _, description := range authored {
		if err := a.installer.Uninstall(description); err != nil {
			return nil, fmt.Errorf("uninstalling %s: %w", description, err)
		}
	}
	err = a.packStore.Mutate(func(store *keystore.Store) error {
		store.Delete(userPrefix + alias)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return "removed author " + alias, nil
}

func (a *Agent) authoredMethod(call *script.Call) (any, error) {
	alias := call.String(0, "")
	if alias == "" {
		return nil, errors.New("authored requires an alias")
	}
	store, err := a.packStore.Load()
	if err != nil {
		return nil, err
	}
	certificate := store.Certificate(userPrefix + alias)
	if certificate == nil {
		return nil, fmt.Errorf("no author %q", alias)
	}
	var lines []string
	for _, description := range a.installer.Authored(certificate) {
		lines = append(lines, description.String())
	}
	return strings.Join(lines, "\n"), nil
}

func (a *Agent) pendingMethod(call *script.Call) (any, error) {
	names, err := a.staging.List()
	if err != nil {
		return nil, err
	}
	return strings.Join(names, "\n"), nil
}

// environmentMethod is prompt-once persistent configuration: the first
// caller of a key is asked for its value, later callers get the stored
// one. force re-prompts, secret hides the terminal echo. Without a key
// it dumps all stored values.
func (a *Agent) environmentMethod(call *script.Call) (any, error) {
	values, err := a.cfg.Environment()
	if err != nil {
		return nil, err
	}
	key := call.String(0, "")
	if key == "" {
		var lines []string
		for _, name := range values.Keys() {
			lines = append(lines, name+"="+values.Get(name))
		}
		return strings.Join(lines, "\n"), nil
	}
	def := call.String(1, "")
	if values.Has(key) && !call.Bool(2) {
		return values.Get(key), nil
	}
	prompt := fmt.Sprintf("Initialize environment configuration '%s' [%s]: ", key, def)
	answer, err := call.IO.Input(prompt, call.Bool(3), def)
	if err != nil {
		return nil, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = def
	}
	values.Set(key, answer)
	if err := a.cfg.SaveEnvironment(values); err != nil {
		return nil, err
	}
	return answer, nil
}

// editMethod opens a file on the server in the caller's local editor
// through the console's file edit exchange.
func (a *Agent) editMethod(call *script.Call) (any, error) {
	path := call.String(0, "")
	if path == "" {
		return nil, errors.New("edit requires a path")
	}
	editor, ok := call.IO.Session.(fileEditor)
	if !ok {
		return nil, errors.New("this session does not support file editing")
	}
	if err := editor.Edit(a.resolvePath(path)); err != nil {
		return nil, err
	}
	return "edited " + path, nil
}

// trustedAliases lists the user entries of a store, prefix stripped.
func (a *Agent) trustedAliases(manager *keystore.Manager) (any, error) {
	store, err := manager.Load()
	if err != nil {
		return nil, err
	}
	var aliases []string
	for name := range store.TrustedCertificates() {
		if strings.HasPrefix(name, userPrefix) {
			aliases = append(aliases, strings.TrimPrefix(name, userPrefix))
		}
	}
	sort.Strings(aliases)
	return strings.Join(aliases, "\n"), nil
}

// resolveCertificate turns an addUser/addAuthor argument into a
// certificate: a staged filename from the untrusted folder, or inline
// PEM. The staged name is returned so the caller can clean it up.
func (a *Agent) resolveCertificate(argument string) (*x509.Certificate, string, error) {
	if stagedNamePattern.MatchString(argument) {
		certificate, err := a.staging.Load(argument)
		if err == nil {
			return certificate, argument, nil
		}
	}
	certificate, err := trust.ParseCertificatePEM([]byte(argument))
	if err != nil {
		return nil, "", fmt.Errorf("argument is neither a staged certificate nor valid PEM: %w", err)
	}
	return certificate, "", nil
}

// sessionInput returns the call's input function when the session is
// interactive, nil otherwise so batch callers fail fast instead of
// silently answering prompts with defaults.
func (a *Agent) sessionInput(call *script.Call) script.InputFunc {
	if call.IO.Session != nil && call.IO.Session.Interactive() {
		return call.IO.Input
	}
	return nil
}

// resolvePath anchors a relative path at the engine's working
// directory.
func (a *Agent) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.engine.WorkingDirectory(), path)
}
