// Package config loads the fabric's runtime configuration the way the
// teacher's internal/config.Load loads features.yaml: a viper-backed file
// read with mapstructure tags, env-var overrides that are ignored when they
// fail to parse (time.ParseDuration for durations, fmt.Sscanf for
// HEALTH_PORT), and an optional fsnotify-backed hot-reload watch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// StoreConfig addresses the Redis-compatible store (spec §4.1).
type StoreConfig struct {
	Addr         string        `mapstructure:"addr"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SessionConfig tunes Session Manager defaults (spec §3, §4.2).
type SessionConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// ObserverConfig tunes the Observer's cadences (spec §4.6).
type ObserverConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	PresentInterval time.Duration `mapstructure:"present_interval"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	SubscriberCap   int           `mapstructure:"subscriber_cap"`
	LogBaseDir      string        `mapstructure:"log_base_dir"`
	ErrorLogPath    string        `mapstructure:"error_log_path"`
	ErrorLogMaxMB   int           `mapstructure:"error_log_max_mb"`
	ErrorLogBackups int           `mapstructure:"error_log_backups"`
}

// FabricConfig is the fabric's full ambient configuration (spec's AMBIENT
// STACK: store address and timeouts (no credentials), default session TTL, scan/poll/sample
// cadences, log-base directory, error-log rotation settings).
type FabricConfig struct {
	Store      StoreConfig    `mapstructure:"store"`
	Session    SessionConfig  `mapstructure:"session"`
	Observer   ObserverConfig `mapstructure:"observer"`
	HealthPort int            `mapstructure:"health_port"`
}

func defaults() FabricConfig {
	return FabricConfig{
		Store: StoreConfig{
			Addr:         "127.0.0.1:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			DefaultTTL: 3600 * time.Second,
		},
		Observer: ObserverConfig{
			ScanInterval:    5 * time.Second,
			PresentInterval: 500 * time.Millisecond,
			SampleInterval:  2 * time.Second,
			SubscriberCap:   1000,
			LogBaseDir:      "/tmp/fabric/monitor/logs",
			ErrorLogPath:    "/tmp/fabric-observer-error.log",
			ErrorLogMaxMB:   10,
			ErrorLogBackups: 3,
		},
		HealthPort: 8081,
	}
}

// Load reads fabric.yaml from FABRIC_CONFIG_PATH or a repo-relative default,
// merges it over the built-in defaults, then applies env-var overrides
// (matching internal/config.Load's CONFIG_PATH-then-fallback shape). A
// missing config file is not an error: the defaults plus env overrides are
// used as-is, since a fabric process is expected to run configuration-free
// in the common case.
func Load() (*FabricConfig, error) {
	f := defaults()

	cfgPath := os.Getenv("FABRIC_CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/fabric.yaml"); err == nil {
			cfgPath = "/app/config/fabric.yaml"
		} else {
			cfgPath = "config/fabric.yaml"
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "fabric.yaml")
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err == nil {
		if err := v.Unmarshal(&f); err != nil {
			return nil, fmt.Errorf("config: unmarshal %s: %w", cfgPath, err)
		}
	} else if _, statErr := os.Stat(cfgPath); statErr == nil {
		// The file exists but failed to parse: that's a real error, unlike
		// the file simply not being there.
		return nil, fmt.Errorf("config: read %s: %w", cfgPath, err)
	}

	applyEnvOverrides(&f)
	return &f, nil
}

// WatchReload starts viper's fsnotify-backed hot-reload watch on cfgPath
// (if it exists) and invokes onChange with the freshly reloaded config on
// every write, matching the teacher's viper.WatchConfig pattern. The
// observer binary (main.go) does not call it, so there configuration
// changes take effect only on restart.
func WatchReload(cfgPath string, onChange func(*FabricConfig)) {
	if cfgPath == "" {
		return
	}
	if _, err := os.Stat(cfgPath); err != nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		f := defaults()
		if err := v.Unmarshal(&f); err != nil {
			return
		}
		applyEnvOverrides(&f)
		onChange(&f)
	})
	v.WatchConfig()
}

func applyEnvOverrides(f *FabricConfig) {
	if v := os.Getenv("FABRIC_STORE_ADDR"); v != "" {
		f.Store.Addr = v
	}
	if v := os.Getenv("FABRIC_STORE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.Store.DialTimeout = d
		}
	}
	if v := os.Getenv("FABRIC_STORE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.Store.ReadTimeout = d
		}
	}
	if v := os.Getenv("FABRIC_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.Session.DefaultTTL = d
		}
	}
	if v := os.Getenv("FABRIC_LOG_BASE_DIR"); v != "" {
		f.Observer.LogBaseDir = v
	}
	if v := os.Getenv("FABRIC_ERROR_LOG_PATH"); v != "" {
		f.Observer.ErrorLogPath = v
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			f.HealthPort = n
		}
	}
}
