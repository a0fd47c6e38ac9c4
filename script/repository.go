// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Extension is the script file extension the repository scans for.
const Extension = ".glue"

// Script is one loadable script: a name callable from the console and
// its source text.
type Script struct {
	Name   string
	Source string
}

// Container is a source of scripts: the local scripts folder or the
// scripts directory inside an installed package archive.
type Container interface {
	// Name identifies the container in logs.
	Name() string
	// Scripts lists the container's scripts.
	Scripts() ([]Script, error)
}

// DirContainer serves scripts from a filesystem directory tree.
type DirContainer struct {
	name string
	dir  string
}

// NewDirContainer creates a container over dir.
func NewDirContainer(name, dir string) *DirContainer {
	return &DirContainer{name: name, dir: dir}
}

func (c *DirContainer) Name() string { return c.name }

// Scripts walks the directory for script files. A missing directory is
// an empty container.
func (c *DirContainer) Scripts() ([]Script, error) {
	var scripts []Script
	err := filepath.WalkDir(c.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			return nil
		}
		source, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		scripts = append(scripts, Script{
			Name:   strings.TrimSuffix(entry.Name(), Extension),
			Source: string(source),
		})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", c.name, err)
	}
	return scripts, nil
}

// repository composes containers into a name->script view. The first
// container providing a name wins, which is how the local scripts
// folder takes precedence over package content.
type repository struct {
	mu         sync.Mutex
	containers []Container
	scripts    map[string]Script
}

func (r *repository) setContainers(containers []Container) error {
	r.mu.Lock()
	r.containers = containers
	r.mu.Unlock()
	return r.reload()
}

func (r *repository) reload() error {
	r.mu.Lock()
	containers := make([]Container, len(r.containers))
	copy(containers, r.containers)
	r.mu.Unlock()

	scripts := make(map[string]Script)
	for _, container := range containers {
		list, err := container.Scripts()
		if err != nil {
			return err
		}
		for _, script := range list {
			if _, taken := scripts[script.Name]; !taken {
				scripts[script.Name] = script
			}
		}
	}

	r.mu.Lock()
	r.scripts = scripts
	r.mu.Unlock()
	return nil
}

func (r *repository) lookup(name string) (Script, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	script, ok := r.scripts[name]
	return script, ok
}

func (r *repository) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
