// Package config handles qjs.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/yonasBSD/quickjs-ng/vm"
)

// FileName is the configuration file the loader looks for.
const FileName = "qjs.toml"

// Config represents a qjs.toml runtime configuration.
type Config struct {
	Runtime  Runtime  `toml:"runtime"`
	Snapshot Snapshot `toml:"snapshot"`

	// Dir is the directory containing the qjs.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime contains execution limits.
type Runtime struct {
	// MemoryLimit caps logical heap bytes. 0 means unlimited.
	MemoryLimit int64 `toml:"memory-limit"`
	// GCThreshold is the allocation volume triggering a collector pass.
	// 0 keeps the built-in default.
	GCThreshold int64 `toml:"gc-threshold"`
	// MaxStackDepth caps the guest call depth. 0 keeps the default.
	MaxStackDepth int `toml:"max-stack-depth"`
	// JobQueueLimit caps pending jobs. 0 means unbounded.
	JobQueueLimit int `toml:"job-queue-limit"`
}

// Snapshot configures snapshot output.
type Snapshot struct {
	// Store is the path of the snapshot database.
	Store string `toml:"store"`
	// IncludeSource keeps retained source text in snapshots.
	IncludeSource bool `toml:"include-source"`
	// IncludeDebug keeps filename/line debug sections in snapshots.
	IncludeDebug bool `toml:"include-debug"`
}

// Load parses a qjs.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Snapshot.Store == "" {
		c.Snapshot.Store = "snapshots.db"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a qjs.toml file, then loads
// and returns the configuration. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StorePath returns the absolute path of the snapshot database.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Snapshot.Store) {
		return c.Snapshot.Store
	}
	return filepath.Join(c.Dir, c.Snapshot.Store)
}

// Apply installs the configured limits on a runtime.
func (c *Config) Apply(rt *vm.Runtime) {
	if c.Runtime.MemoryLimit > 0 {
		rt.SetMemoryLimit(c.Runtime.MemoryLimit)
	}
	if c.Runtime.GCThreshold > 0 {
		rt.SetGCThreshold(c.Runtime.GCThreshold)
	}
	if c.Runtime.MaxStackDepth > 0 {
		rt.SetMaxStackSize(c.Runtime.MaxStackDepth)
	}
	if c.Runtime.JobQueueLimit > 0 {
		rt.SetJobQueueLimit(c.Runtime.JobQueueLimit)
	}
}

// WriteFlags returns the snapshot writer flags this configuration
// implies.
func (c *Config) WriteFlags() vm.WriteFlag {
	flags := vm.WriteAllowBytecode | vm.WriteAllowReference
	if !c.Snapshot.IncludeSource {
		flags |= vm.WriteStripSource
	}
	if !c.Snapshot.IncludeDebug {
		flags |= vm.WriteStripDebug
	}
	return flags
}

// Validate rejects configurations no runtime could honor.
func (c *Config) Validate() error {
	if c.Runtime.MemoryLimit < 0 {
		return fmt.Errorf("runtime.memory-limit must be >= 0, got %d", c.Runtime.MemoryLimit)
	}
	if c.Runtime.GCThreshold < 0 {
		return fmt.Errorf("runtime.gc-threshold must be >= 0, got %d", c.Runtime.GCThreshold)
	}
	if c.Runtime.MaxStackDepth < 0 {
		return fmt.Errorf("runtime.max-stack-depth must be >= 0, got %d", c.Runtime.MaxStackDepth)
	}
	if c.Runtime.JobQueueLimit < 0 {
		return fmt.Errorf("runtime.job-queue-limit must be >= 0, got %d", c.Runtime.JobQueueLimit)
	}
	return nil
}
