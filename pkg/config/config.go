package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskgraph/skein/pkg/dispatch"
	"github.com/taskgraph/skein/pkg/failure"
	"github.com/taskgraph/skein/pkg/log"
)

// Config is the scheduler's runtime configuration. Load starts from Default
// and applies a YAML file over it, so a partial file only needs to name the
// knobs it wants to override; no command-line flag overrides a field.
//
// skeind serve applies ListenAddr, MetricsAddr, HeartbeatMissThreshold,
// StealInterval, StackSlack and AuditLogPath. LogLevel, LogJSON,
// SuspicionLimit and BatchWindow are loaded but not applied: logging is set
// from the --log-level/--log-json flags, the suspicion limit is the fixed
// types.SuspicionLimit, and the batching window is the fixed
// transport.BatchWindow.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	HeartbeatMissThreshold time.Duration `yaml:"heartbeat_miss_threshold"`
	SuspicionLimit         int           `yaml:"suspicion_limit"`

	StealInterval time.Duration `yaml:"steal_interval"`
	StackSlack    int           `yaml:"stack_slack"`

	BatchWindow time.Duration `yaml:"batch_window"`

	// AuditLogPath enables the write-only completion log when non-empty.
	AuditLogPath string `yaml:"audit_log_path"`
}

// Default returns the configuration the scheduler runs with when no YAML
// file overrides anything.
func Default() Config {
	return Config{
		ListenAddr:             "0.0.0.0:8786",
		MetricsAddr:            "127.0.0.1:9090",
		LogLevel:               "info",
		LogJSON:                false,
		HeartbeatMissThreshold: failure.DefaultHeartbeatMissThreshold,
		SuspicionLimit:         3,
		StealInterval:          dispatch.StealInterval,
		StackSlack:             dispatch.DefaultStackOccupancySlack,
		BatchWindow:            2 * time.Millisecond,
	}
}

// Load reads a YAML file at path onto a Default configuration. A missing
// path is not an error: callers then run with the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LogConfig adapts Config's logging fields to pkg/log.Config.
func (c Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}
