// Package config loads autoagent configuration from files, environment and flags.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Validation ValidationConfig `mapstructure:"validation"`
	HITL       HITLConfig       `mapstructure:"hitl"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	NATS       NATSConfig       `mapstructure:"nats"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig configures the supervisor loop.
type EngineConfig struct {
	MaxConsecutive   int           `mapstructure:"max_consecutive"`
	IterationCeiling int           `mapstructure:"iteration_ceiling"`
	WorkerTimeout    time.Duration `mapstructure:"worker_timeout"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	// Evaluator selects the re-plan evaluator: keyword or worker.
	Evaluator       string `mapstructure:"evaluator"`
	MinFreeMemoryMB uint64 `mapstructure:"min_free_memory_mb"`
}

// ValidationConfig configures the validation loop.
type ValidationConfig struct {
	Thresholds       map[string]float64 `mapstructure:"thresholds"`
	DefaultThreshold float64            `mapstructure:"default_threshold"`
	CompiledTypes    []string           `mapstructure:"compiled_types"`
	MaxRetries       int                `mapstructure:"max_retries"`
}

// HITLConfig configures human approval gates.
type HITLConfig struct {
	DefaultTimeout         time.Duration     `mapstructure:"default_timeout"`
	DefaultPolicy          string            `mapstructure:"default_policy"`
	Policies               map[string]string `mapstructure:"policies"`
	LowConfidenceThreshold float64           `mapstructure:"low_confidence_threshold"`
	MaxReissues            int               `mapstructure:"max_reissues"`
}

// WorkersConfig maps a role name to its worker process.
type WorkersConfig map[string]WorkerConfig

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	Dir     string   `mapstructure:"dir"`
	Tool    string   `mapstructure:"tool"`
}

// RetryConfig configures transport retries to worker processes.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	ConversationDB string `mapstructure:"conversation_db"`
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// NATSConfig configures the event bridge.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}
