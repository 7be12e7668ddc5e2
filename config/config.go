// Package config handles lume.toml interpreter configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the configuration file lume looks for.
const DefaultFileName = "lume.toml"

// Config is the interpreter configuration loaded from a lume.toml file.
// Every field has a working default; a missing file is not an error.
type Config struct {
	Log   Log   `toml:"log"`
	GC    GC    `toml:"gc"`
	Trace Trace `toml:"trace"`
	Cache Cache `toml:"cache"`
}

// Log controls commonlog verbosity. Verbosity 0 is quiet; higher values
// enable progressively chattier levels.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// GC tunes the collector.
type GC struct {
	// Stress forces a collection before every allocation.
	Stress bool `toml:"stress"`
	// InitialThreshold is the bytes-allocated trigger for the first
	// collection. Zero means the built-in default.
	InitialThreshold int `toml:"initial-threshold"`
}

// Trace controls debug output.
type Trace struct {
	// Execution prints each instruction and a stack dump as it runs.
	Execution bool `toml:"execution"`
	// Disassemble prints the compiled bytecode before running.
	Disassemble bool `toml:"disassemble"`
}

// Cache controls the compile cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{}
}

// Load reads the configuration file at path. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// Discover loads configuration from dir/lume.toml, falling back to defaults
// when the file does not exist.
func Discover(dir string) (Config, error) {
	return Load(filepath.Join(dir, DefaultFileName))
}
