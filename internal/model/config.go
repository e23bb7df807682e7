package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Runtimes  RuntimesConfig  `yaml:"runtimes"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ExecutorConfig carries the tuning constants the executor must not
// hard-code: retry caps, wall-clock budgets per execution type, the blocked
// propagation grace window, and artifact truncation.
type ExecutorConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	Budgets              BudgetsConfig `yaml:"budgets"`
	BlockedGraceSec      int           `yaml:"blocked_grace_sec"`
	ArtifactContextBytes int           `yaml:"artifact_context_bytes"`
	OutputSummaryBytes   int           `yaml:"output_summary_bytes"`
	HungCheckIntervalSec int           `yaml:"hung_check_interval_sec"`
}

// BudgetsConfig is the per-execution-type wall-clock budget in minutes.
// Primary node runs are long (tens of minutes); queue housekeeping tasks like
// generate/split are short.
type BudgetsConfig struct {
	PrimaryMin      int `yaml:"primary_min"`
	RetryMin        int `yaml:"retry_min"`
	ContinuationMin int `yaml:"continuation_min"`
	SubtaskMin      int `yaml:"subtask_min"`
}

type RuntimesConfig struct {
	Default  string              `yaml:"default"`
	Claude   RuntimeBinaryConfig `yaml:"claude"`
	OpenClaw RuntimeBinaryConfig `yaml:"openclaw"`
	PiMono   RuntimeBinaryConfig `yaml:"pimono"`
}

type RuntimeBinaryConfig struct {
	Binary     string   `yaml:"binary"`
	ExtraArgs  []string `yaml:"extra_args,omitempty"`
	SessionDir string   `yaml:"session_dir,omitempty"`
}

type SchedulerConfig struct {
	MaxConcurrentSpawns int     `yaml:"max_concurrent_spawns"`
	ScanIntervalSec     int     `yaml:"scan_interval_sec"`
	DebounceSec         float64 `yaml:"debounce_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ApplyDefaults fills zero-valued tuning fields with operational defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = 3
	}
	if cfg.Executor.Budgets.PrimaryMin <= 0 {
		cfg.Executor.Budgets.PrimaryMin = 45
	}
	if cfg.Executor.Budgets.RetryMin <= 0 {
		cfg.Executor.Budgets.RetryMin = 45
	}
	if cfg.Executor.Budgets.ContinuationMin <= 0 {
		cfg.Executor.Budgets.ContinuationMin = 30
	}
	if cfg.Executor.Budgets.SubtaskMin <= 0 {
		cfg.Executor.Budgets.SubtaskMin = 10
	}
	if cfg.Executor.BlockedGraceSec <= 0 {
		// Mirrors the reconciliation idiom: twice the primary budget.
		cfg.Executor.BlockedGraceSec = cfg.Executor.Budgets.PrimaryMin * 60 * 2
	}
	if cfg.Executor.ArtifactContextBytes <= 0 {
		cfg.Executor.ArtifactContextBytes = 16 * 1024
	}
	if cfg.Executor.OutputSummaryBytes <= 0 {
		cfg.Executor.OutputSummaryBytes = 4 * 1024
	}
	if cfg.Executor.HungCheckIntervalSec <= 0 {
		cfg.Executor.HungCheckIntervalSec = 120
	}
	if cfg.Runtimes.Default == "" {
		cfg.Runtimes.Default = "claude"
	}
	if cfg.Runtimes.Claude.Binary == "" {
		cfg.Runtimes.Claude.Binary = "claude"
	}
	if cfg.Runtimes.OpenClaw.Binary == "" {
		cfg.Runtimes.OpenClaw.Binary = "openclaw"
	}
	if cfg.Runtimes.PiMono.Binary == "" {
		cfg.Runtimes.PiMono.Binary = "pimono"
	}
	if cfg.Scheduler.MaxConcurrentSpawns <= 0 {
		cfg.Scheduler.MaxConcurrentSpawns = 4
	}
	if cfg.Scheduler.ScanIntervalSec <= 0 {
		cfg.Scheduler.ScanIntervalSec = 10
	}
	if cfg.Scheduler.DebounceSec <= 0 {
		cfg.Scheduler.DebounceSec = 0.5
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 15
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}
