// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"fmt"
	"os"
	"sync"
)

// Manager owns one on-disk store: it loads lazily, caches the parsed
// store, and serializes mutations so two sessions approving different
// entries at the same time cannot lose an update.
type Manager struct {
	path     string
	password string

	mu     sync.Mutex
	cached *Store
}

// NewManager creates a manager for the store at path, protected by the
// given store password. The file need not exist yet; a missing store
// is an empty one.
func NewManager(path, password string) *Manager {
	return &Manager{path: path, password: password}
}

// Path returns the on-disk location of the store.
func (m *Manager) Path() string { return m.path }

// Load returns the cached store, reading it from disk on first use.
func (m *Manager) Load() (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*Store, error) {
	if m.cached != nil {
		return m.cached, nil
	}
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		m.cached = Create()
		return m.cached, nil
	}
	store, err := Load(m.path, m.password)
	if err != nil {
		return nil, err
	}
	m.cached = store
	return store, nil
}

// Mutate runs fn against the store and saves immediately afterwards,
// all under the manager's lock: one load-mutate-save critical section.
// When fn returns an error nothing is written and the cache is dropped
// so a half-mutated store is never served.
func (m *Manager) Mutate(fn func(*Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, err := m.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		m.cached = nil
		return err
	}
	if err := store.Save(m.path, m.password); err != nil {
		return fmt.Errorf("saving store: %w", err)
	}
	return nil
}
