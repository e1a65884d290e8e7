// Package config holds the process-wide configuration for the job-worker
// supervision core, loaded once and threaded through as an immutable value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for a worker process.
type Config struct {
	// TimeoutDuration is the instance-wide default wall-clock budget for a
	// single job, absent a custom per-job timeout.
	TimeoutDuration Duration `yaml:"timeout_duration"`
	// MaxWaitForSigterm is how long, in seconds, the orchestrator waits for
	// a child to exit after SIGTERM before escalating to SIGKILL.
	MaxWaitForSigterm int `yaml:"max_wait_for_sigterm"`
	// MaxResultSize is the character budget applied to logs when
	// CloudHosted is true.
	MaxResultSize int `yaml:"max_result_size"`
	// CloudHosted selects the bounded-log-budget behaviour; self-hosted
	// instances run with an effectively unbounded budget.
	CloudHosted bool `yaml:"cloud_hosted"`
	// RootCacheDir is the root of the on-disk job cache.
	RootCacheDir string `yaml:"root_cache_dir"`
	// WorkerConfig holds settings applied uniformly to every spawned child.
	WorkerConfig WorkerConfig `yaml:"worker_config"`
	// DBPath is the sqlite database backing the job queue.
	DBPath string `yaml:"db_path"`
	// ListenAddr is the admin HTTP surface's bind address.
	ListenAddr string `yaml:"listen_addr"`
	// WorkerName identifies this process in worker_ping.
	WorkerName string `yaml:"worker_name"`
	// PoolSize is the number of jobs this worker supervises concurrently.
	PoolSize int `yaml:"pool_size"`
	// PollInterval is how often the dispatch loop scans the queue for
	// unclaimed jobs.
	PollInterval Duration `yaml:"poll_interval"`
	// CommandTemplate renders a job's script_path into an argv, e.g.
	// "python3 {{.ScriptPath}} --args {{.ArgsPath}}".
	CommandTemplate string `yaml:"command_template"`
	// ScriptGlob is a doublestar pattern for pool.DiscoverScripts. The
	// dispatch loop does not read it and does not check that a job's script
	// exists under RootCacheDir before dispatching it.
	ScriptGlob string `yaml:"script_glob"`
	// Enterprise, together with supervisor.Options.PremiumWorkspace, unlocks the 6x instance
	// timeout multiplier for cloud-hosted runs (mirroring a compile-time
	// feature flag in the system this is modeled on).
	Enterprise bool `yaml:"enterprise"`
	// OOMScoreAdjust, if set, is written to the child's
	// /proc/<pid>/oom_score_adj right after it starts.
	OOMScoreAdjust *int `yaml:"oom_score_adjust"`
}

// WorkerConfig mirrors a job's per-run environment overrides.
type WorkerConfig struct {
	// EnvVars is added verbatim to every spawned child's environment.
	EnvVars map[string]string `yaml:"env_vars"`
}

// Duration is a yaml/json-unmarshallable time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Load reads and parses the YAML config at path, then applies any
// WORKER_* environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overrides config fields with values from WORKER_* env vars.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKER_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WORKER_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WORKER_NAME"); v != "" {
		cfg.WorkerName = v
	}
	if v := os.Getenv("WORKER_CLOUD_HOSTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CloudHosted = b
		}
	}
	if v := os.Getenv("WORKER_MAX_RESULT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxResultSize = n
		}
	}
}

// Validate fills in defaults and rejects inconsistent configuration.
func Validate(cfg *Config) error {
	if cfg.TimeoutDuration.Duration == 0 {
		cfg.TimeoutDuration.Duration = 300 * time.Second
	}
	if cfg.MaxWaitForSigterm <= 0 {
		cfg.MaxWaitForSigterm = 15
	}
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = 2 * 1024 * 1024
	}
	if cfg.RootCacheDir == "" {
		cfg.RootCacheDir = "/tmp/worker-cache"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "worker.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8087"
	}
	if cfg.WorkerName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine worker name: %w", err)
		}
		cfg.WorkerName = host
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.WorkerConfig.EnvVars == nil {
		cfg.WorkerConfig.EnvVars = map[string]string{}
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 200 * time.Millisecond
	}
	if cfg.CommandTemplate == "" {
		cfg.CommandTemplate = "python3 {{.ScriptPath}} --args {{.ArgsPath}} --result {{.ResultPath}}"
	}
	if cfg.ScriptGlob == "" {
		cfg.ScriptGlob = "**/*"
	}
	return nil
}
