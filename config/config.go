// Package config loads runtime configuration from a vela.toml manifest.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/vela-lang/vela/vm"
)

// FileName is the manifest file looked up by FindAndLoad.
const FileName = "vela.toml"

// Config is the full manifest.
type Config struct {
	Runtime RuntimeConfig `toml:"runtime"`
	Catalog CatalogConfig `toml:"catalog"`
	Log     LogConfig     `toml:"log"`
}

// RuntimeConfig tunes the VM.
type RuntimeConfig struct {
	// Workers sizes the coroutine worker pool. Zero means one per CPU.
	Workers int `toml:"workers"`
	// MaxCallDepth bounds interpreter recursion per task.
	MaxCallDepth int `toml:"max_call_depth"`
	// Trace enables per-command debug logging.
	Trace bool `toml:"trace"`
}

// CatalogConfig locates the introspection catalog database.
type CatalogConfig struct {
	Path string `toml:"path"`
}

// LogConfig tunes logging.
type LogConfig struct {
	// Verbosity maps to commonlog verbosity: 0 errors and warnings only,
	// higher values add notice, info, and debug.
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no manifest exists.
func Default() Config {
	opts := vm.DefaultOptions()
	return Config{
		Runtime: RuntimeConfig{
			Workers:      opts.Workers,
			MaxCallDepth: opts.MaxCallDepth,
		},
		Catalog: CatalogConfig{Path: "vela-catalog.db"},
		Log:     LogConfig{Verbosity: 0},
	}
}

// Load reads one manifest file, filling unset values from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("loading %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// FindAndLoad walks from dir toward the filesystem root looking for a
// vela.toml. If none exists it returns Default with an empty path.
func FindAndLoad(dir string) (Config, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Config{}, "", err
	}
	for {
		candidate := filepath.Join(abs, FileName)
		if _, err := os.Stat(candidate); err == nil {
			cfg, err := Load(candidate)
			return cfg, candidate, err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return Default(), "", nil
		}
		abs = parent
	}
}

func (c Config) validate() error {
	if c.Runtime.Workers < 0 {
		return fmt.Errorf("runtime.workers must not be negative")
	}
	if c.Runtime.MaxCallDepth < 0 {
		return fmt.Errorf("runtime.max_call_depth must not be negative")
	}
	if c.Log.Verbosity < 0 {
		return fmt.Errorf("log.verbosity must not be negative")
	}
	return nil
}

// VMOptions converts the runtime section into VM options.
func (c Config) VMOptions() vm.Options {
	return vm.Options{
		Workers:      c.Runtime.Workers,
		MaxCallDepth: c.Runtime.MaxCallDepth,
		Trace:        c.Runtime.Trace,
	}
}
