// Package config sources runtime configuration from an optional YAML
// file plus BP_* environment variables. Environment values override the
// file; defaults cover everything else.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr       string
	TickInterval     time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level

	SysfsRoot   string
	DebugfsRoot string
	ProcRoot    string
	TracefsRoot string

	EnableResults bool
	ResultDir     string

	GPU     GPUConfig
	WS      WebsocketConfig
	Session SessionConfig
}

// GPUConfig tunes the GPU telemetry collector.
type GPUConfig struct {
	Card             string
	PollInterval     time.Duration
	MediumRefresh    time.Duration
	MediumStaleAfter time.Duration
	FailureThreshold int
	RecoveryCooldown time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// SessionConfig tunes the orchestrator.
type SessionConfig struct {
	BatchSize       int
	FrameStaleAfter time.Duration
}

// fileConfig mirrors Config for the YAML overlay. Pointer fields so an
// absent key leaves the default untouched.
type fileConfig struct {
	ListenAddr       *string  `yaml:"listen_addr"`
	TickInterval     *string  `yaml:"tick_interval"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	EnablePrometheus *bool    `yaml:"enable_prometheus"`
	EnablePprof      *bool    `yaml:"enable_pprof"`
	LogLevel         *string  `yaml:"log_level"`

	SysfsRoot   *string `yaml:"sysfs_root"`
	DebugfsRoot *string `yaml:"debugfs_root"`
	ProcRoot    *string `yaml:"proc_root"`
	TracefsRoot *string `yaml:"tracefs_root"`

	EnableResults *bool   `yaml:"enable_results"`
	ResultDir     *string `yaml:"result_dir"`

	GPU struct {
		Card             *string `yaml:"card"`
		PollInterval     *string `yaml:"poll_interval"`
		MediumRefresh    *string `yaml:"medium_refresh"`
		MediumStaleAfter *string `yaml:"medium_stale_after"`
		FailureThreshold *int    `yaml:"failure_threshold"`
		RecoveryCooldown *string `yaml:"recovery_cooldown"`
	} `yaml:"gpu"`

	WS struct {
		MaxClients   *int    `yaml:"max_clients"`
		WriteTimeout *string `yaml:"write_timeout"`
		ReadTimeout  *string `yaml:"read_timeout"`
	} `yaml:"ws"`

	Session struct {
		BatchSize       *int    `yaml:"batch_size"`
		FrameStaleAfter *string `yaml:"frame_stale_after"`
	} `yaml:"session"`
}

// Load builds the configuration: defaults, then the YAML file named by
// BP_CONFIG_FILE (if set), then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("BP_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("tick interval must be > 0")
	}
	if cfg.Session.BatchSize <= 0 {
		return Config{}, fmt.Errorf("session batch size must be > 0")
	}

	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		TickInterval:     time.Second,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		DebugfsRoot:      "/sys/kernel/debug",
		ProcRoot:         "/proc",
		TracefsRoot:      "/sys/kernel/tracing",
		EnableResults:    true,
		ResultDir:        "results",
		GPU: GPUConfig{
			Card:             "",
			PollInterval:     time.Second,
			MediumRefresh:    3 * time.Second,
			MediumStaleAfter: 6 * time.Second,
			FailureThreshold: 5,
			RecoveryCooldown: 10 * time.Second,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Session: SessionConfig{
			BatchSize:       5,
			FrameStaleAfter: 2 * time.Second,
		},
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	if err := setDuration(&cfg.TickInterval, fc.TickInterval, "tick_interval"); err != nil {
		return err
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	setBool(&cfg.EnablePrometheus, fc.EnablePrometheus)
	setBool(&cfg.EnablePprof, fc.EnablePprof)
	if fc.LogLevel != nil {
		level, err := parseLogLevel(*fc.LogLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	setString(&cfg.SysfsRoot, fc.SysfsRoot)
	setString(&cfg.DebugfsRoot, fc.DebugfsRoot)
	setString(&cfg.ProcRoot, fc.ProcRoot)
	setString(&cfg.TracefsRoot, fc.TracefsRoot)
	setBool(&cfg.EnableResults, fc.EnableResults)
	setString(&cfg.ResultDir, fc.ResultDir)

	setString(&cfg.GPU.Card, fc.GPU.Card)
	if err := setDuration(&cfg.GPU.PollInterval, fc.GPU.PollInterval, "gpu.poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.GPU.MediumRefresh, fc.GPU.MediumRefresh, "gpu.medium_refresh"); err != nil {
		return err
	}
	if err := setDuration(&cfg.GPU.MediumStaleAfter, fc.GPU.MediumStaleAfter, "gpu.medium_stale_after"); err != nil {
		return err
	}
	setInt(&cfg.GPU.FailureThreshold, fc.GPU.FailureThreshold)
	if err := setDuration(&cfg.GPU.RecoveryCooldown, fc.GPU.RecoveryCooldown, "gpu.recovery_cooldown"); err != nil {
		return err
	}

	setInt(&cfg.WS.MaxClients, fc.WS.MaxClients)
	if err := setDuration(&cfg.WS.WriteTimeout, fc.WS.WriteTimeout, "ws.write_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.WS.ReadTimeout, fc.WS.ReadTimeout, "ws.read_timeout"); err != nil {
		return err
	}

	setInt(&cfg.Session.BatchSize, fc.Session.BatchSize)
	if err := setDuration(&cfg.Session.FrameStaleAfter, fc.Session.FrameStaleAfter, "session.frame_stale_after"); err != nil {
		return err
	}

	return nil
}

func applyEnv(cfg *Config) error {
	envString(&cfg.ListenAddr, "BP_LISTEN_ADDR")
	if err := envDuration(&cfg.TickInterval, "BP_TICK_INTERVAL"); err != nil {
		return err
	}
	if value := strings.TrimSpace(os.Getenv("BP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return fmt.Errorf("BP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}
	if err := envBool(&cfg.EnablePrometheus, "BP_ENABLE_PROMETHEUS"); err != nil {
		return err
	}
	if err := envBool(&cfg.EnablePprof, "BP_ENABLE_PPROF"); err != nil {
		return err
	}
	if value := strings.TrimSpace(os.Getenv("BP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse BP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	envString(&cfg.SysfsRoot, "BP_SYSFS_ROOT")
	envString(&cfg.DebugfsRoot, "BP_DEBUGFS_ROOT")
	envString(&cfg.ProcRoot, "BP_PROC_ROOT")
	envString(&cfg.TracefsRoot, "BP_TRACEFS_ROOT")

	if err := envBool(&cfg.EnableResults, "BP_ENABLE_RESULTS"); err != nil {
		return err
	}
	envString(&cfg.ResultDir, "BP_RESULT_DIR")

	envString(&cfg.GPU.Card, "BP_GPU_CARD")
	if err := envDuration(&cfg.GPU.PollInterval, "BP_GPU_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := envDuration(&cfg.GPU.MediumRefresh, "BP_GPU_MEDIUM_REFRESH"); err != nil {
		return err
	}
	if err := envDuration(&cfg.GPU.MediumStaleAfter, "BP_GPU_MEDIUM_STALE_AFTER"); err != nil {
		return err
	}
	if err := envInt(&cfg.GPU.FailureThreshold, "BP_GPU_FAILURE_THRESHOLD"); err != nil {
		return err
	}
	if err := envDuration(&cfg.GPU.RecoveryCooldown, "BP_GPU_RECOVERY_COOLDOWN"); err != nil {
		return err
	}

	if err := envInt(&cfg.WS.MaxClients, "BP_WS_MAX_CLIENTS"); err != nil {
		return err
	}
	if err := envDuration(&cfg.WS.WriteTimeout, "BP_WS_WRITE_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&cfg.WS.ReadTimeout, "BP_WS_READ_TIMEOUT"); err != nil {
		return err
	}

	if err := envInt(&cfg.Session.BatchSize, "BP_SESSION_BATCH_SIZE"); err != nil {
		return err
	}
	if err := envDuration(&cfg.Session.FrameStaleAfter, "BP_FRAME_STALE_AFTER"); err != nil {
		return err
	}

	// "auto" means the same as unset: pick the first discovered card.
	if strings.EqualFold(cfg.GPU.Card, "auto") {
		cfg.GPU.Card = ""
	}

	return nil
}

func envString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func envDuration(target *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*target = duration
	return nil
}

func envBool(target *bool, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*target = enabled
	return nil
}

func envInt(target *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	number, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if number <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*target = number
	return nil
}

func setString(target *string, value *string) {
	if value != nil && strings.TrimSpace(*value) != "" {
		*target = strings.TrimSpace(*value)
	}
}

func setBool(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

func setInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}

func setDuration(target *time.Duration, value *string, name string) error {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	duration, err := time.ParseDuration(strings.TrimSpace(*value))
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	*target = duration
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
