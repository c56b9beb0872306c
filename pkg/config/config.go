// Package config resolves dapbridge's host-level settings: the pack
// store data root and connection defaults, layered through viper's
// defaults/file/env/flag precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds host-level settings resolved at startup.
type Config struct {
	// DataRoot is the directory packs are extracted into and the
	// target registry/scan reports are written under.
	DataRoot string

	// DefaultClockHz is the SWD/JTAG clock used when a connect request
	// does not specify one.
	DefaultClockHz int

	// SerialTimeoutMS is resolved from serial_timeout_ms (default 50).
	// The terminal package does not read it: local ports use a fixed
	// 100 ms read timeout and TCP terminals a fixed 10 ms read deadline.
	SerialTimeoutMS int
}

const envDataDir = "DAPBRIDGE_DATA_DIR"

// Load resolves configuration in the order: built-in defaults,
// config.json in the OS config directory, DAPBRIDGE_DATA_DIR
// environment variable, then explicit overrides bound into v by the
// caller (CLI flags via pflag.Viper binding) before Load is called.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetDefault("data_root", defaultDataRoot())
	v.SetDefault("default_clock_hz", 1_000_000)
	v.SetDefault("serial_timeout_ms", 50)

	v.SetConfigName("config")
	v.SetConfigType("json")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "dapbridge"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("dapbridge")
	v.AutomaticEnv()
	if err := v.BindEnv("data_root", envDataDir); err != nil {
		return nil, fmt.Errorf("binding %s: %w", envDataDir, err)
	}

	cfg := &Config{
		DataRoot:        v.GetString("data_root"),
		DefaultClockHz:  v.GetInt("default_clock_hz"),
		SerialTimeoutMS: v.GetInt("serial_timeout_ms"),
	}
	if err := migrateLegacyDataRoot(cfg.DataRoot); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "dapbridge-data")
	}
	return filepath.Join(home, ".dapbridge")
}

// migrateLegacyDataRoot moves packs from an old "<exe-dir>/data/packs"
// layout into root, once, guarded by a sentinel marker file so repeat
// startups don't re-attempt it.
func migrateLegacyDataRoot(root string) error {
	marker := filepath.Join(root, ".migrated")
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	legacy := filepath.Join(filepath.Dir(exe), "data", "packs")
	if _, err := os.Stat(legacy); err != nil {
		return nil // nothing to migrate
	}

	if err := os.MkdirAll(filepath.Join(root, "packs"), 0o755); err != nil {
		return fmt.Errorf("preparing data root: %w", err)
	}
	entries, err := os.ReadDir(legacy)
	if err != nil {
		return fmt.Errorf("reading legacy pack dir: %w", err)
	}
	for _, e := range entries {
		src := filepath.Join(legacy, e.Name())
		dst := filepath.Join(root, "packs", e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("migrating legacy pack %s: %w", e.Name(), err)
		}
	}
	return os.WriteFile(marker, []byte("migrated\n"), 0o644)
}
