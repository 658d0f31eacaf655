package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier selects device-dependent defaults.
type Tier string

const (
	TierLite        Tier = "lite"
	TierStandard    Tier = "standard"
	TierPerformance Tier = "performance"
)

// Limits are the hard operational bounds of the runtime. They are fixed at
// startup; components receive them by value and never mutate them.
type Limits struct {
	MaxMessageSizeBytes     int           `yaml:"maxMessageSizeBytes"`
	MessageWarningBytes     int           `yaml:"messageWarningBytes"`
	MaxAttempts             int           `yaml:"maxAttempts"`
	MaxStepAttempts         int           `yaml:"maxStepAttempts"`
	MaxRevisionCount        int           `yaml:"maxRevisionCount"`
	MaxReplanCount          int           `yaml:"maxReplanCount"`
	MaxConcurrentSteps      int           `yaml:"maxConcurrentSteps"`
	NonceTTL                time.Duration `yaml:"nonceTTL"`
	QueuePollInterval       time.Duration `yaml:"queuePollInterval"`
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
	JobTimeout              time.Duration `yaml:"jobTimeout"`
	PlanningTimeout         time.Duration `yaml:"planningTimeout"`
	ValidationTimeout       time.Duration `yaml:"validationTimeout"`
	StepTimeout             time.Duration `yaml:"stepTimeout"`
	RecoveryGracePeriod     time.Duration `yaml:"recoveryGracePeriod"`
	SuggestionThreshold     int           `yaml:"suggestionThreshold"`
	MemoryPausePercent      float64       `yaml:"memoryPausePercent"`
	DiskPausePercent        float64       `yaml:"diskPausePercent"`
}

// Retention controls time-based archival and purging.
type Retention struct {
	ConversationDays int           `yaml:"conversationDays"`
	EpisodicDays     int           `yaml:"episodicDays"`
	ExecutionLogDays int           `yaml:"executionLogDays"`
	Interval         time.Duration `yaml:"interval"`
}

// Backup controls encrypted snapshot cadence and rotation.
type Backup struct {
	Interval     time.Duration `yaml:"interval"`
	DailyCount   int           `yaml:"dailyCount"`
	WeeklyCount  int           `yaml:"weeklyCount"`
	MonthlyCount int           `yaml:"monthlyCount"`
}

// Policy configures the plan validator.
type Policy struct {
	WorkspaceRoot           string   `yaml:"workspaceRoot"`
	AllowedProtocols        []string `yaml:"allowedProtocols"`
	AllowedDomains          []string `yaml:"allowedDomains"`
	MaxTransactionAmountUSD float64  `yaml:"maxTransactionAmountUsd"`
}

// Config is the assembled runtime configuration.
type Config struct {
	DataDir    string    `yaml:"dataDir"`
	ListenAddr string    `yaml:"listenAddr"`
	Tier       Tier      `yaml:"tier"`
	Workers    int       `yaml:"workers"` // 0 = tier default
	Limits     Limits    `yaml:"limits"`
	Retention  Retention `yaml:"retention"`
	Backup     Backup    `yaml:"backup"`
	Policy     Policy    `yaml:"policy"`
	LogLevel   string    `yaml:"logLevel"`
	LogJSON    bool      `yaml:"logJson"`
}

// Default returns the standard-tier configuration.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:8400",
		Tier:       TierStandard,
		LogLevel:   "info",
		Limits: Limits{
			MaxMessageSizeBytes:     1 << 20,
			MessageWarningBytes:     256 << 10,
			MaxAttempts:             3,
			MaxStepAttempts:         3,
			MaxRevisionCount:        3,
			MaxReplanCount:          2,
			MaxConcurrentSteps:      4,
			NonceTTL:                24 * time.Hour,
			QueuePollInterval:       500 * time.Millisecond,
			GracefulShutdownTimeout: 10 * time.Second,
			JobTimeout:              10 * time.Minute,
			PlanningTimeout:         2 * time.Minute,
			ValidationTimeout:       30 * time.Second,
			StepTimeout:             2 * time.Minute,
			RecoveryGracePeriod:     20 * time.Minute,
			SuggestionThreshold:     3,
			MemoryPausePercent:      85,
			DiskPausePercent:        90,
		},
		Retention: Retention{
			ConversationDays: 90,
			EpisodicDays:     180,
			ExecutionLogDays: 30,
			Interval:         6 * time.Hour,
		},
		Backup: Backup{
			Interval:     24 * time.Hour,
			DailyCount:   7,
			WeeklyCount:  4,
			MonthlyCount: 3,
		},
		Policy: Policy{
			WorkspaceRoot:           "./workspace",
			AllowedProtocols:        []string{"https", "http"},
			AllowedDomains:          []string{},
			MaxTransactionAmountUSD: 100,
		},
	}
}

// WorkerCount returns the configured pool size, falling back to the tier
// default (2/4/8).
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	switch c.Tier {
	case TierLite:
		return 2
	case TierPerformance:
		return 8
	default:
		return 4
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
