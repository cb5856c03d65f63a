// Package manifest handles trufflesqueak.toml engine configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/psvensson/trufflesqueak/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "trufflesqueak.toml"

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents a trufflesqueak.toml file.
type Config struct {
	Engine     Engine     `toml:"engine" json:"engine"`
	Interrupts Interrupts `toml:"interrupts" json:"interrupts"`
	Logging    Logging    `toml:"logging" json:"logging"`
	Stats      Stats      `toml:"stats" json:"stats"`

	// Dir is the directory containing the config file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Engine sizes the lookup caches and the activation stack.
type Engine struct {
	MethodCacheSize        int `toml:"method_cache_size" json:"method_cache_size"`
	MethodCacheReprobes    int `toml:"method_cache_reprobes" json:"method_cache_reprobes"`
	ClosureInlineCacheSize int `toml:"closure_inline_cache_size" json:"closure_inline_cache_size"`
	MaxFrameDepth          int `toml:"max_frame_depth" json:"max_frame_depth"`
}

// Interrupts configures the interrupt timer.
type Interrupts struct {
	Disabled   bool `toml:"disabled" json:"disabled"`
	IntervalMS int  `toml:"interval_ms" json:"interval_ms"`
}

// Logging configures commonlog.
type Logging struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Stats configures the run statistics database.
type Stats struct {
	Database    string `toml:"database" json:"database"`
	RecordLoops bool   `toml:"record_loops" json:"record_loops"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: Engine{
			MethodCacheSize:        vm.DefaultMethodCacheSize,
			MethodCacheReprobes:    vm.DefaultMethodCacheReprobes,
			ClosureInlineCacheSize: vm.DefaultClosureCacheSize,
			MaxFrameDepth:          vm.DefaultMaxFrameDepth,
		},
		Interrupts: Interrupts{
			IntervalMS: int(vm.DefaultInterruptInterval / time.Millisecond),
		},
		Stats: Stats{
			RecordLoops: true,
		},
	}
}

// Load parses the trufflesqueak.toml file in dir.
func Load(dir string) (*Config, error) {
	c, err := LoadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile parses and validates a config file. Keys missing from the file
// keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a trufflesqueak.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EngineOptions converts the config into VM options. Profiling is on when
// a stats database is configured.
func (c *Config) EngineOptions() vm.Options {
	return vm.Options{
		MethodCacheSize:     c.Engine.MethodCacheSize,
		MethodCacheReprobes: c.Engine.MethodCacheReprobes,
		ClosureCacheSize:    c.Engine.ClosureInlineCacheSize,
		MaxFrameDepth:       c.Engine.MaxFrameDepth,
		InterruptInterval:   time.Duration(c.Interrupts.IntervalMS) * time.Millisecond,
		DisableInterrupts:   c.Interrupts.Disabled,
		Profile:             c.Stats.Database != "",
	}
}

// LogPath returns the log file for commonlog.Configure, or nil for stderr.
func (c *Config) LogPath() *string {
	if c.Logging.File == "" {
		return nil
	}
	path := c.resolve(c.Logging.File)
	return &path
}

// DatabasePath returns the stats database path, or "" when disabled.
func (c *Config) DatabasePath() string {
	if c.Stats.Database == "" || c.Stats.Database == ":memory:" {
		return c.Stats.Database
	}
	return c.resolve(c.Stats.Database)
}

// resolve makes path relative to the config file's directory.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}
