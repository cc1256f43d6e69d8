// Package config loads procman's daemon configuration: where to discover
// worker manifests, how to reach the persistent state store, host
// guard-rail thresholds, and ambient logging defaults. Grounded on
// loykin-provisr's internal/config, which uses the same
// viper+go-viper/mapstructure/v2 discriminated decoding; procman's config
// is daemon-scoped rather than process-list-scoped, since worker discovery
// itself lives in internal/worker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/nef/procman/internal/logger"
	"github.com/nef/procman/internal/metrics"
)

// ProcessMetricsConfig configures per-worker CPU/memory sampling
// (internal/metrics.ProcessMetricsCollector).
type ProcessMetricsConfig = metrics.ProcessMetricsConfig

// Config is procman's top-level daemon configuration.
type Config struct {
	// Environment gates environment-sensitive behavior (e.g. debug
	// toggling is forbidden when Environment == "production").
	Environment string `mapstructure:"environment"`

	// WorkersDirectory holds one subdirectory per worker, each with a
	// meta manifest file (internal/worker.LoadManifests).
	WorkersDirectory string `mapstructure:"workers_directory"`

	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	Store          StoreConfig          `mapstructure:"store"`
	CPULoad        CPULoadConfig        `mapstructure:"cpu_load"`
	MemGuard       MemGuardConfig       `mapstructure:"mem_guard"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Spawn          SpawnConfig          `mapstructure:"spawn"`
	Log            *LogConfig           `mapstructure:"log"`
	ProcessMetrics ProcessMetricsConfig `mapstructure:"process_metrics"`

	// GlobalEnv is computed from UseOSEnv/EnvFiles/Env after load.
	GlobalEnv []string

	configPath string
}

// StoreConfig selects and configures the persistent worker-state store.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // e.g. "sqlite:///var/lib/procman/state.db"
}

// CPULoadConfig configures the host CPU-load sensor (internal/cpuload).
type CPULoadConfig struct {
	Interval  string  `mapstructure:"interval"` // parsed with time.ParseDuration
	Threshold float64 `mapstructure:"threshold_percent"`
}

// MemGuardConfig configures the memory guard (internal/memguard).
type MemGuardConfig struct {
	HistoryFile string `mapstructure:"history_file"`
}

// BrokerConfig selects the broker client implementation.
type BrokerConfig struct {
	Kind        string `mapstructure:"kind"` // "local" is the only built-in
	EventPrefix string `mapstructure:"event_prefix"`
}

// SpawnConfig tunes the spawn gate shared by all workers.
type SpawnConfig struct {
	Concurrent int    `mapstructure:"concurrent"`
	MinGap     string `mapstructure:"min_gap"` // parsed with time.ParseDuration
}

// LogConfig carries global defaults applied to workers that don't set
// their own logging paths, mirroring loykin-provisr's global
// log-defaults idiom (applyGlobalLogDefaults).
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads and validates the daemon config file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{configPath: path}
	if err := parseConfigFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.WorkersDirectory == "" {
		cfg.WorkersDirectory = filepath.Join(filepath.Dir(path), "workers")
	} else if !filepath.IsAbs(cfg.WorkersDirectory) {
		cfg.WorkersDirectory = filepath.Join(filepath.Dir(path), cfg.WorkersDirectory)
	}

	globalEnv, err := computeGlobalEnv(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("config: compute global env: %w", err)
	}
	cfg.GlobalEnv = globalEnv

	if cfg.Spawn.Concurrent <= 0 {
		cfg.Spawn.Concurrent = 4
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	return cfg, nil
}

// ApplyLogDefaults fills in unset logging paths/rotation limits on lc from
// the daemon's global Log config, resolving relative paths against the
// config file's directory. It mutates lc in place; internal/worker's
// manifest loader does not call it.
func (c *Config) ApplyLogDefaults(lc *logger.Config) {
	if c.Log == nil {
		return
	}
	baseDir := filepath.Dir(c.configPath)
	makeAbs := func(p string) string {
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}

	noPathsSet := lc.Dir == "" && lc.StdoutPath == "" && lc.StderrPath == ""
	if noPathsSet {
		if s := makeAbs(c.Log.Stdout); s != "" {
			lc.StdoutPath = s
		}
		if s := makeAbs(c.Log.Stderr); s != "" {
			lc.StderrPath = s
		}
		if lc.StdoutPath == "" && lc.StderrPath == "" {
			lc.Dir = makeAbs(c.Log.Dir)
		}
		lc.Compress = c.Log.Compress
	}
	if lc.MaxSizeMB == 0 && c.Log.MaxSizeMB > 0 {
		lc.MaxSizeMB = c.Log.MaxSizeMB
	}
	if lc.MaxBackups == 0 && c.Log.MaxBackups > 0 {
		lc.MaxBackups = c.Log.MaxBackups
	}
	if lc.MaxAgeDays == 0 && c.Log.MaxAgeDays > 0 {
		lc.MaxAgeDays = c.Log.MaxAgeDays
	}
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for key, value := range fileEnv {
			envMap[key] = value
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result, nil
}

func loadEnvFile(filePath string) (map[string]string, error) {
	content, err := os.ReadFile(filePath) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		env[key] = value
	}
	return env, nil
}
