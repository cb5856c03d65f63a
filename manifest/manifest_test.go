package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psvensson/trufflesqueak/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[engine]
method_cache_size = 1024
method_cache_reprobes = 2
closure_inline_cache_size = 5
max_frame_depth = 500

[interrupts]
interval_ms = 5
disabled = true

[logging]
verbosity = 2
file = "engine.log"

[stats]
database = "runs.db"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Engine.MethodCacheSize != 1024 {
		t.Errorf("method_cache_size = %d, want 1024", c.Engine.MethodCacheSize)
	}
	if c.Engine.MethodCacheReprobes != 2 {
		t.Errorf("method_cache_reprobes = %d, want 2", c.Engine.MethodCacheReprobes)
	}
	if c.Engine.ClosureInlineCacheSize != 5 {
		t.Errorf("closure_inline_cache_size = %d, want 5", c.Engine.ClosureInlineCacheSize)
	}
	if c.Engine.MaxFrameDepth != 500 {
		t.Errorf("max_frame_depth = %d, want 500", c.Engine.MaxFrameDepth)
	}
	if c.Interrupts.IntervalMS != 5 || !c.Interrupts.Disabled {
		t.Errorf("interrupts = %+v, want interval 5, disabled", c.Interrupts)
	}
	if c.Logging.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", c.Logging.Verbosity)
	}
	if !c.Stats.RecordLoops {
		t.Error("record_loops should keep its default of true")
	}

	absDir, _ := filepath.Abs(dir)
	if c.Dir != absDir {
		t.Errorf("Dir = %q, want %q", c.Dir, absDir)
	}
	if got, want := c.DatabasePath(), filepath.Join(absDir, "runs.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if p := c.LogPath(); p == nil || *p != filepath.Join(absDir, "engine.log") {
		t.Errorf("LogPath() = %v, want engine.log under %s", p, absDir)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Engine.MethodCacheSize != vm.DefaultMethodCacheSize {
		t.Errorf("method_cache_size = %d, want %d", c.Engine.MethodCacheSize, vm.DefaultMethodCacheSize)
	}
	if c.Engine.ClosureInlineCacheSize != vm.DefaultClosureCacheSize {
		t.Errorf("closure_inline_cache_size = %d, want %d", c.Engine.ClosureInlineCacheSize, vm.DefaultClosureCacheSize)
	}
	if c.Interrupts.IntervalMS != 20 {
		t.Errorf("interval_ms = %d, want 20", c.Interrupts.IntervalMS)
	}
	if c.LogPath() != nil {
		t.Errorf("LogPath() = %v, want nil", *c.LogPath())
	}
	if c.DatabasePath() != "" {
		t.Errorf("DatabasePath() = %q, want empty", c.DatabasePath())
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cache too small", func(c *Config) { c.Engine.MethodCacheSize = 128 }},
		{"cache too large", func(c *Config) { c.Engine.MethodCacheSize = 1 << 17 }},
		{"cache not power of two", func(c *Config) { c.Engine.MethodCacheSize = 1000 }},
		{"no reprobes", func(c *Config) { c.Engine.MethodCacheReprobes = 0 }},
		{"too many reprobes", func(c *Config) { c.Engine.MethodCacheReprobes = 9 }},
		{"closure cache", func(c *Config) { c.Engine.ClosureInlineCacheSize = 17 }},
		{"frame depth", func(c *Config) { c.Engine.MaxFrameDepth = 1 }},
		{"interval", func(c *Config) { c.Interrupts.IntervalMS = 0 }},
		{"verbosity", func(c *Config) { c.Logging.Verbosity = 5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadUnknownKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[engine]
method_cache_sise = 1024
`)

	_, err := Load(dir)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[interrupts]
interval_ms = 5000
`)

	_, err := Load(dir)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil {
		t.Error("expected error for missing trufflesqueak.toml")
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[engine\nmethod_cache_size = ")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Errorf("parse error should not match ErrInvalidConfig: %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[interrupts]
disabled = true
`)

	subdir := filepath.Join(root, "images", "deep")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(subdir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected to find config")
	}
	if !c.Interrupts.Disabled {
		t.Error("interrupts.disabled = false, want true")
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if c != nil {
		t.Error("expected nil config when none exists")
	}
}

func TestEngineOptions(t *testing.T) {
	c := Default()
	c.Engine.MethodCacheSize = 512
	c.Interrupts.IntervalMS = 7
	c.Interrupts.Disabled = true
	c.Stats.Database = ":memory:"

	opts := c.EngineOptions()
	if opts.MethodCacheSize != 512 {
		t.Errorf("MethodCacheSize = %d, want 512", opts.MethodCacheSize)
	}
	if opts.InterruptInterval != 7*time.Millisecond {
		t.Errorf("InterruptInterval = %v, want 7ms", opts.InterruptInterval)
	}
	if !opts.DisableInterrupts {
		t.Error("DisableInterrupts = false, want true")
	}
	if !opts.Profile {
		t.Error("Profile = false, want true with a stats database")
	}
	if c.DatabasePath() != ":memory:" {
		t.Errorf("DatabasePath() = %q, want :memory:", c.DatabasePath())
	}

	v, err := vm.NewVM(opts)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if got := v.Cache.Stats().Size; got != 512 {
		t.Errorf("cache size = %d, want 512", got)
	}
}
