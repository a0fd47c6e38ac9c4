// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

// Package triton composes the scripting console agent: configuration,
// the two certificate stores, the trust evaluator, the script engine,
// the package installer, and the console server. The cmd/triton binary
// constructs one Agent and runs it.
package triton

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nabu-platform/triton/console"
	"github.com/nabu-platform/triton/lib/clock"
	"github.com/nabu-platform/triton/lib/config"
	"github.com/nabu-platform/triton/lib/keystore"
	"github.com/nabu-platform/triton/lib/trust"
	"github.com/nabu-platform/triton/packaging"
	"github.com/nabu-platform/triton/script"
)

// Keystore filenames under the base folder. Two independent stores:
// who may open a console session, and whose package signatures are
// trusted.
const (
	authenticationStore = "authentication.store"
	packagingStore      = "packaging.store"
)

// serverCertValidity is the lifetime of the generated self-signed TLS
// certificate.
const serverCertValidity = 100 * 365 * 24 * time.Hour

const serverKeyBits = 4096

// Agent is the assembled triton server.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	authStore *keystore.Manager
	packStore *keystore.Manager
	staging   *trust.Staging
	evaluator *trust.Evaluator

	engine    *script.Engine
	installer *packaging.Installer
	server    *console.Server
}

// New wires an agent from configuration. Nothing touches the network
// until Start.
func New(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}

	agent := &Agent{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		authStore: keystore.NewManager(filepath.Join(cfg.BaseDir, authenticationStore), cfg.StorePassword),
		packStore: keystore.NewManager(filepath.Join(cfg.BaseDir, packagingStore), cfg.StorePassword),
		staging:   trust.NewStaging(filepath.Join(cfg.BaseDir, "untrusted")),
		evaluator: trust.NewEvaluator(logger),
		engine:    script.NewEngine(cfg.BaseDir, cfg.Sandboxed, logger),
	}

	packagesDir, err := cfg.Folder("packages")
	if err != nil {
		return nil, err
	}
	agent.installer = packaging.NewInstaller(packaging.InstallerConfig{
		PackagesDir: packagesDir,
		Folder:      cfg.Folder,
		Trusted:     agent.trustedAuthor,
		Trust:       agent.trustAuthor,
		Reload:      agent.RefreshScripts,
		Logger:      logger.With("component", "installer"),
	})

	agent.engine.Register(agent.methods()...)

	plainPort := cfg.PlainPort
	if !cfg.LocalEnabled {
		plainPort = 0
	}
	server, err := console.NewServer(console.ServerConfig{
		Name:           cfg.Name,
		PlainPort:      plainPort,
		SecurePort:     cfg.SecurePort,
		ClientAuth:     cfg.ClientAuth,
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
		ReapInterval:   cfg.ReapInterval,
		Runtime:        agent.engine,
		TLSConfig:      agent.serverTLSConfig,
		Identify:       agent.identify,
		Logger:         logger.With("component", "console"),
		Clock:          clk,
	})
	if err != nil {
		return nil, err
	}
	agent.server = server
	return agent, nil
}

// Start scans the installed packages, loads the script containers, and
// opens the listeners.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.installer.Scan(); err != nil {
		return fmt.Errorf("scanning packages: %w", err)
	}
	if err := a.RefreshScripts(); err != nil {
		return fmt.Errorf("loading scripts: %w", err)
	}
	return a.server.Start(ctx)
}

// Stop closes the listeners and all live sessions.
func (a *Agent) Stop() {
	a.server.Stop()
}

// RefreshScripts rebuilds the script container list: the local scripts
// drop folder first (it always wins name collisions), then one
// container per installed package that carries scripts.
func (a *Agent) RefreshScripts() error {
	scriptsDir, err := a.cfg.Folder(packaging.ScriptsDir)
	if err != nil {
		return err
	}
	containers := []script.Container{script.NewDirContainer("local", scriptsDir)}
	containers = append(containers, a.installer.ScriptContainers()...)
	return a.engine.SetContainers(containers)
}

// trustedAuthor checks a chain against the packaging store. Store
// errors fail closed.
func (a *Agent) trustedAuthor(chain []*x509.Certificate) bool {
	store, err := a.packStore.Load()
	if err != nil {
		a.logger.Error("packaging store unavailable", "error", err)
		return false
	}
	return a.evaluator.IsTrusted(chain, store)
}

// trustAuthor persists a certificate as a trusted package author.
func (a *Agent) trustAuthor(certificate *x509.Certificate) error {
	return a.packStore.Mutate(func(store *keystore.Store) error {
		store.SetTrusted(userPrefix+trust.Alias(certificate), certificate)
		return nil
	})
}

// identify maps a TLS peer's chain to an identity. Untrusted peers
// stay anonymous; their leaf certificate is staged for operator review
// when configured.
func (a *Agent) identify(chain []*x509.Certificate) string {
	store, err := a.authStore.Load()
	if err != nil {
		a.logger.Error("authentication store unavailable", "error", err)
		return ""
	}
	if a.evaluator.IsTrusted(chain, store) {
		return trust.Alias(chain[0])
	}
	if a.cfg.StoreUntrusted {
		if name, err := a.staging.Record(chain[0]); err != nil {
			a.logger.Warn("staging untrusted certificate failed", "error", err)
		} else {
			a.logger.Info("staged untrusted client certificate", "name", name, "alias", trust.Alias(chain[0]))
		}
	}
	return ""
}

// serverTLSConfig builds the secure listener's TLS configuration from
// the profile key in the authentication store, generating a
// self-signed certificate on first use.
func (a *Agent) serverTLSConfig() (*tls.Config, error) {
	certificate, err := a.profileCertificate(a.authStore, a.cfg.Profile, a.cfg.KeyPassword)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// profileCertificate loads the named profile's key and chain from a
// store, creating and persisting a fresh self-signed identity when the
// profile has none yet.
func (a *Agent) profileCertificate(manager *keystore.Manager, profile, keyPassword string) (*tls.Certificate, error) {
	key, chain, err := a.profileIdentity(manager, profile, keyPassword)
	if err != nil {
		return nil, err
	}
	result := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
	for _, link := range chain {
		result.Certificate = append(result.Certificate, link.Raw)
	}
	return &result, nil
}

// profileIdentity returns the signer and chain stored under a profile
// alias, generating a self-signed identity on first use.
func (a *Agent) profileIdentity(manager *keystore.Manager, profile, keyPassword string) (crypto.Signer, []*x509.Certificate, error) {
	var (
		resultKey   crypto.Signer
		resultChain []*x509.Certificate
	)
	err := manager.Mutate(func(store *keystore.Store) error {
		key, err := store.PrivateKey(profile, keyPassword)
		if err != nil {
			return fmt.Errorf("unlocking key for profile %q: %w", profile, err)
		}
		chain := store.Chain(profile)
		if key == nil {
			subject := trust.Subject{
				CommonName:         a.cfg.Name,
				Organisation:       a.cfg.Organisation,
				OrganisationalUnit: a.cfg.OrganisationalUnit,
				Locality:           a.cfg.Locality,
				State:              a.cfg.State,
				Country:            a.cfg.Country,
			}
			a.logger.Info("generating self-signed certificate", "profile", profile, "cn", subject.CommonName)
			generated, certificate, err := trust.GenerateSelfSigned(subject, serverKeyBits, serverCertValidity)
			if err != nil {
				return err
			}
			if err := store.SetPrivateKey(profile, generated, []*x509.Certificate{certificate}, keyPassword); err != nil {
				return err
			}
			key = generated
			chain = []*x509.Certificate{certificate}
		}
		if len(chain) == 0 {
			return fmt.Errorf("profile %q has a key but no certificate chain", profile)
		}
		resultKey = key
		resultChain = chain
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resultKey, resultChain, nil
}
