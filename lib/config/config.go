// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nabu-platform/triton/lib/properties"
)

// Role selects which base folder an instance uses. A server and a
// client on the same machine keep independent state.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Version is the agent version string reported by the console's
// "version" command.
const Version = "0.1-beta"

// Default listener ports.
const (
	DefaultPlainPort  = 5122
	DefaultSecurePort = 5123
)

// settingsFile is the persisted configuration in the base folder.
const settingsFile = "triton.properties"

// environmentFile stores values captured by the environment() console
// method, separate from the agent's own settings.
const environmentFile = "environment.properties"

// Config is the explicit configuration every component receives.
type Config struct {
	Role    Role
	BaseDir string

	// Name is the display name returned by Fetch-Meta: name and used
	// as the CN of the generated server certificate.
	Name               string
	Organisation       string
	OrganisationalUnit string
	Locality           string
	State              string
	Country            string

	// Profile names the local identity in the keystores; the server's
	// TLS key lives under this alias.
	Profile string

	LocalEnabled bool
	PlainPort    int
	SecurePort   int
	ClientAuth   bool

	MaxSessions    int
	SessionTimeout time.Duration
	ReapInterval   time.Duration

	StorePassword string
	KeyPassword   string

	// StoreUntrusted enables staging unknown client certificates to
	// the untrusted folder for later review.
	StoreUntrusted bool

	Sandboxed bool
	Debug     bool

	// settings backs Setting/SetSetting and persists to
	// triton.properties; overrides holds CLI key=value arguments.
	mu        sync.Mutex
	settings  *properties.Properties
	overrides map[string]string
}

// Load builds a Config for the given role. args are raw command-line
// arguments of the form key=value; unknown keys are kept as overrides
// so scripts can read them through Setting.
func Load(role Role, args []string) (*Config, error) {
	overrides := make(map[string]string)
	for _, arg := range args {
		index := strings.IndexByte(arg, '=')
		if index <= 0 {
			return nil, fmt.Errorf("malformed argument %q, expected key=value", arg)
		}
		overrides[arg[:index]] = arg[index+1:]
	}

	base, err := resolveBase(role, overrides)
	if err != nil {
		return nil, err
	}
	settings, err := properties.LoadFile(filepath.Join(base, settingsFile))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", settingsFile, err)
	}

	c := &Config{
		Role:      role,
		BaseDir:   base,
		settings:  settings,
		overrides: overrides,
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "anonymous"
	}
	c.Name = c.Setting("name", hostname)
	c.Organisation = c.Setting("organisation", "Celerium")
	c.OrganisationalUnit = c.Setting("organisationalUnit", "Nabu")
	c.Locality = c.Setting("locality", "Antwerp")
	c.State = c.Setting("state", "Antwerp")
	c.Country = c.Setting("country", "Belgium")
	c.Profile = c.Setting("triton.profile", "triton-"+string(role))

	c.LocalEnabled = c.boolSetting("triton.local.enabled", true)
	c.ClientAuth = c.boolSetting("triton.secure.clientAuth", true)
	c.StoreUntrusted = c.boolSetting("store.untrusted", true)
	c.Sandboxed = c.boolSetting("sandboxed", false)
	c.Debug = c.boolSetting("debug", false)

	if c.PlainPort, err = c.intSetting("triton.local.port", DefaultPlainPort); err != nil {
		return nil, err
	}
	if c.SecurePort, err = c.intSetting("triton.secure.port", DefaultSecurePort); err != nil {
		return nil, err
	}
	if c.MaxSessions, err = c.intSetting("triton.console.max", 10); err != nil {
		return nil, err
	}

	timeoutMillis, err := c.intSetting("triton.timeout", int(time.Hour/time.Millisecond))
	if err != nil {
		return nil, err
	}
	c.SessionTimeout = time.Duration(timeoutMillis) * time.Millisecond
	reapMillis, err := c.intSetting("triton.reap.interval", int(time.Hour/time.Millisecond))
	if err != nil {
		return nil, err
	}
	c.ReapInterval = time.Duration(reapMillis) * time.Millisecond

	c.StorePassword = c.Setting("triton.storePassword", "triton-keystore")
	if role == RoleServer {
		// clients are prompted instead; the server must come up
		// unattended.
		c.KeyPassword = c.Setting("triton.keyPassword", "triton-password")
	} else {
		c.KeyPassword = c.Setting("triton.keyPassword", "")
	}
	return c, nil
}

// resolveBase picks the base folder: the triton.folder argument, the
// TRITON_HOME environment variable, or ~/.triton-<role>.
func resolveBase(role Role, overrides map[string]string) (string, error) {
	base := overrides["triton.folder"]
	if base == "" {
		base = os.Getenv("TRITON_HOME")
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		base = filepath.Join(home, ".triton-"+string(role))
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("creating base folder: %w", err)
	}
	return base, nil
}

// Setting returns the raw value of a configuration key: CLI override
// first, then the persisted file, then def.
func (c *Config) Setting(key, def string) string {
	if v, ok := c.overrides[key]; ok && v != "" {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.GetDefault(key, def)
}

// SetSetting persists a configuration key immediately.
func (c *Config) SetSetting(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Set(key, value)
	return c.settings.SaveFile(filepath.Join(c.BaseDir, settingsFile))
}

func (c *Config) boolSetting(key string, def bool) bool {
	return c.Setting(key, strconv.FormatBool(def)) == "true"
}

func (c *Config) intSetting(key string, def int) (int, error) {
	raw := c.Setting(key, strconv.Itoa(def))
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %q is not a number", key, raw)
	}
	return value, nil
}

// Folder resolves a named state folder, creating it if needed. The
// reserved name "config" is the base folder itself; anything else is a
// subfolder, overridable per name with a triton.folder.<name> key.
func (c *Config) Folder(name string) (string, error) {
	var path string
	if name == "config" {
		path = c.BaseDir
	} else {
		path = c.Setting("triton.folder."+name, filepath.Join(c.BaseDir, name))
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("creating %s folder: %w", name, err)
	}
	return path, nil
}

// Environment loads the environment() method's persisted values.
func (c *Config) Environment() (*properties.Properties, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return properties.LoadFile(filepath.Join(c.BaseDir, environmentFile))
}

// SaveEnvironment persists the environment() method's values.
func (c *Config) SaveEnvironment(p *properties.Properties) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.SaveFile(filepath.Join(c.BaseDir, environmentFile))
}
