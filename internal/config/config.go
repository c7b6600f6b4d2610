package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDBPath                = "PROBE_DB_PATH"
	EnvPort                  = "PORT"
	EnvAnsiblePath           = "ANSIBLE_PATH"
	EnvAnsiblePlaybook       = "ANSIBLE_PLAYBOOK"
	EnvAnsibleRunner         = "ANSIBLE_RUNNER"
	EnvAssociationPeriod     = "ASSOCIATION_PERIOD"
	EnvReachabilityTimeout   = "REACHABILITY_TIMEOUT"
	EnvPushMinInterval       = "PUSH_MIN_INTERVAL"
	EnvStatusFreshness       = "STATUS_FRESHNESS"
	EnvStatusRestampInterval = "STATUS_RESTAMP_INTERVAL"
	EnvOrganization          = "ORGANIZATION"
	EnvLogLevel              = "LOG_LEVEL"

	MinAssociationPeriod = time.Minute
	MaxAssociationPeriod = 24 * time.Hour
)

// Config holds the runtime settings of the fleet service
type Config struct {
	DBPath                string
	Port                  int
	AnsiblePath           string
	Playbook              string
	Runner                string
	AssociationPeriod     time.Duration
	ReachabilityTimeout   time.Duration
	PushMinInterval       time.Duration
	StatusFreshness       time.Duration
	StatusRestampInterval time.Duration
	Organization          string
	LogLevel              slog.Level
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from environment variables only.
func FromEnv() (Config, error) {
	var env envReader
	cfg := Config{
		DBPath:                envOrDefault(EnvDBPath, "probes.db"),
		Port:                  env.intOrDefault(EnvPort, 8080),
		AnsiblePath:           envOrDefault(EnvAnsiblePath, "ansible"),
		Playbook:              envOrDefault(EnvAnsiblePlaybook, "probes.yml"),
		Runner:                envOrDefault(EnvAnsibleRunner, "ansible-playbook"),
		AssociationPeriod:     env.durationOrDefault(EnvAssociationPeriod, 30*time.Minute),
		ReachabilityTimeout:   env.durationOrDefault(EnvReachabilityTimeout, 2*time.Second),
		PushMinInterval:       env.durationOrDefault(EnvPushMinInterval, 10*time.Second),
		StatusFreshness:       env.durationOrDefault(EnvStatusFreshness, 30*time.Second),
		StatusRestampInterval: env.durationOrDefault(EnvStatusRestampInterval, 60*time.Second),
		Organization:          envOrDefault(EnvOrganization, ""),
	}

	level, err := parseLevel(envOrDefault(EnvLogLevel, "info"))
	if err != nil {
		env.errs = append(env.errs, err)
	}
	cfg.LogLevel = level

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvDBPath)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid %s: must be in range 1..65535", EnvPort)
	}
	if c.AnsiblePath == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvAnsiblePath)
	}
	if c.Runner == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvAnsibleRunner)
	}
	if c.AssociationPeriod < MinAssociationPeriod || c.AssociationPeriod > MaxAssociationPeriod {
		return fmt.Errorf("invalid %s: must be between %s and %s", EnvAssociationPeriod, MinAssociationPeriod, MaxAssociationPeriod)
	}
	if c.ReachabilityTimeout <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvReachabilityTimeout)
	}
	if c.PushMinInterval < 0 {
		return fmt.Errorf("invalid %s: must be >= 0", EnvPushMinInterval)
	}
	if c.StatusFreshness <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvStatusFreshness)
	}
	if c.StatusRestampInterval < 0 {
		return fmt.Errorf("invalid %s: must be >= 0", EnvStatusRestampInterval)
	}
	return nil
}

// PlaybookPath returns the playbook location inside the config tree
func (c Config) PlaybookPath() string {
	if filepath.IsAbs(c.Playbook) {
		return c.Playbook
	}
	return filepath.Join(c.AnsiblePath, c.Playbook)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid %s: %w", EnvLogLevel, err)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables and collects every malformed value
type envReader struct {
	errs []error
}

func (e *envReader) intOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: not an integer", key, v))
		return fallback
	}
	return n
}

func (e *envReader) durationOrDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return d
}
