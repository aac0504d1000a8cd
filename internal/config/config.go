// Package config loads the supervisor's configuration. Precedence (lowest to
// highest): built-in defaults, .env file (via godotenv, never overriding
// already-set OS env vars), OS environment, optional YAML override file,
// CLI flags. Config loading gates the supervisor's lifecycle: a validation
// error here is a HARD_STOP before any subprocess is spawned.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, validated configuration for one supervisor run.
type Config struct {
	BackendBaseURL        string
	OrchestratorSprint    string
	MaxExecutors          int
	MaxReviewers          int
	DryRun                bool
	Once                  bool
	LedgerPath            string
	StatePath             string
	OrchestratorCmd       string
	CodexBin              string
	CodexMCPArgs          string
	ReadyTarget           int
	ReviewStallPolls      int
	BlockedRetryMinutes   int
	WatchdogTimeoutS      int
	CallTimeout           time.Duration
	ReaskTimeout          time.Duration
	SanitizerMaxAttempts  int
	HeartbeatInterval     time.Duration
	SlotWaitDiagnostic    time.Duration
	TranscriptQueueCap    int
	BackendRequestsPerSec float64
	HistoryMongoURI       string
	PulseRedisAddr        string
}

// yamlOverrides mirrors the subset of Config fields an operator may commit to
// a reviewable YAML file, rather than bare env vars.
type yamlOverrides struct {
	MaxExecutors        *int     `yaml:"max_executors"`
	MaxReviewers        *int     `yaml:"max_reviewers"`
	ReadyTarget         *int     `yaml:"ready_target"`
	ReviewStallPolls    *int     `yaml:"review_stall_polls"`
	BlockedRetryMinutes *int     `yaml:"blocked_retry_minutes"`
	WatchdogTimeoutS    *int     `yaml:"watchdog_timeout_s"`
	SanitizerMaxAttempts *int    `yaml:"sanitizer_max_attempts"`
	TranscriptQueueCap  *int     `yaml:"transcript_queue_cap"`
	BackendRequestsPerSec *float64 `yaml:"backend_requests_per_sec"`
}

// Options carries the CLI-flag-derived overrides, applied last (highest
// precedence).
type Options struct {
	YAMLPath string
	DryRun   bool
	Once     bool
}

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultSlotWaitDiagnostic = 5 * time.Second
)

// Load resolves a Config from the process environment (optionally seeded from
// a .env file) layered with an optional YAML override file and CLI flags.
func Load(opts Options) (Config, error) {
	_ = godotenv.Load(".env") // best-effort; absence is not an error

	cfg := Config{
		BackendBaseURL:        strings.TrimRight(requireEnv("BACKEND_BASE_URL"), "/"),
		OrchestratorSprint:    requireEnv("ORCHESTRATOR_SPRINT"),
		MaxExecutors:          positiveIntEnv("RUNNER_MAX_EXECUTORS", 1),
		MaxReviewers:          positiveIntEnv("RUNNER_MAX_REVIEWERS", 1),
		DryRun:                opts.DryRun || boolEnv("RUNNER_DRY_RUN", false),
		Once:                  opts.Once,
		LedgerPath:            stringEnv("RUNNER_LEDGER_PATH", "./.runner-ledger.json"),
		StatePath:             stringEnv("RUNNER_STATE_PATH", "./.orchestrator-state.json"),
		OrchestratorCmd:       stringEnv("RUNNER_ORCHESTRATOR_CMD", "node apps/orchestrator/src/cli.js --loop"),
		CodexBin:              stringEnv("CODEX_BIN", "codex"),
		CodexMCPArgs:          stringEnv("CODEX_MCP_ARGS", "mcp-server"),
		ReadyTarget:           positiveIntEnv("RUNNER_READY_TARGET", 3),
		ReviewStallPolls:      positiveIntEnv("RUNNER_REVIEW_STALL_POLLS", 3),
		BlockedRetryMinutes:   positiveIntEnv("RUNNER_BLOCKED_RETRY_MINUTES", 15),
		WatchdogTimeoutS:      positiveIntEnv("RUNNER_WATCHDOG_TIMEOUT_S", 1800),
		CallTimeout:           durationEnv("RUNNER_CALL_TIMEOUT", 600*time.Second),
		ReaskTimeout:          durationEnv("RUNNER_REASK_TIMEOUT", 180*time.Second),
		SanitizerMaxAttempts:  positiveIntEnv("RUNNER_SANITIZER_MAX_ATTEMPTS", 2),
		HeartbeatInterval:     defaultHeartbeatInterval,
		SlotWaitDiagnostic:    defaultSlotWaitDiagnostic,
		TranscriptQueueCap:    positiveIntEnv("RUNNER_TRANSCRIPT_QUEUE_CAP", 1024),
		BackendRequestsPerSec: floatEnv("RUNNER_BACKEND_RPS", 10),
		HistoryMongoURI:       os.Getenv("RUNNER_HISTORY_MONGO_URI"),
		PulseRedisAddr:        os.Getenv("RUNNER_PULSE_REDIS_ADDR"),
	}

	if opts.YAMLPath != "" {
		if err := applyYAML(&cfg, opts.YAMLPath); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var o yamlOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if o.MaxExecutors != nil {
		cfg.MaxExecutors = *o.MaxExecutors
	}
	if o.MaxReviewers != nil {
		cfg.MaxReviewers = *o.MaxReviewers
	}
	if o.ReadyTarget != nil {
		cfg.ReadyTarget = *o.ReadyTarget
	}
	if o.ReviewStallPolls != nil {
		cfg.ReviewStallPolls = *o.ReviewStallPolls
	}
	if o.BlockedRetryMinutes != nil {
		cfg.BlockedRetryMinutes = *o.BlockedRetryMinutes
	}
	if o.WatchdogTimeoutS != nil {
		cfg.WatchdogTimeoutS = *o.WatchdogTimeoutS
	}
	if o.SanitizerMaxAttempts != nil {
		cfg.SanitizerMaxAttempts = *o.SanitizerMaxAttempts
	}
	if o.TranscriptQueueCap != nil {
		cfg.TranscriptQueueCap = *o.TranscriptQueueCap
	}
	if o.BackendRequestsPerSec != nil {
		cfg.BackendRequestsPerSec = *o.BackendRequestsPerSec
	}
	return nil
}

func (c Config) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if c.OrchestratorSprint == "" {
		return fmt.Errorf("ORCHESTRATOR_SPRINT is required")
	}
	return nil
}

func requireEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func stringEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func positiveIntEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func boolEnv(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
