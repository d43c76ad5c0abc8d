package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTOAGENT_ENGINE_MAX_SESSIONS.
const EnvPrefix = "AUTOAGENT"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// NewLoaderWithViper creates a loader around an existing viper instance so
// bound CLI flags take part in resolution.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load resolves configuration. Precedence, highest first:
// bound flags, AUTOAGENT_* environment, .autoagent/config.yaml,
// ~/.config/autoagent/config.yaml, defaults.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v)

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".autoagent")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "autoagent"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("engine.max_consecutive", 3)
	v.SetDefault("engine.iteration_ceiling", 25)
	v.SetDefault("engine.worker_timeout", "10m")
	v.SetDefault("engine.max_sessions", 4)
	v.SetDefault("engine.evaluator", "keyword")
	v.SetDefault("engine.min_free_memory_mb", 0)

	v.SetDefault("validation.thresholds", map[string]float64{"compiled": 0.90})
	v.SetDefault("validation.default_threshold", 0.75)
	v.SetDefault("validation.compiled_types", DefaultCompiledTypes)
	v.SetDefault("validation.max_retries", 3)

	v.SetDefault("hitl.default_timeout", "5m")
	v.SetDefault("hitl.default_policy", "auto_reject")
	v.SetDefault("hitl.policies", map[string]string{
		"final_summary":         "auto_approve",
		"low_confidence":        "auto_reject",
		"validation_escalation": "auto_abort",
	})
	v.SetDefault("hitl.low_confidence_threshold", 0.5)
	v.SetDefault("hitl.max_reissues", 3)

	for _, role := range []string{"research", "architect", "codesmith", "validator", "responder"} {
		v.SetDefault("workers."+role+".enabled", true)
	}

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("store.conversation_db", ".autoagent/conversations.db")
	v.SetDefault("store.checkpoint_dir", ".autoagent/checkpoints")

	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.cors_origins", []string{"http://localhost:*"})

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "autoagent.sessions")
}

// DefaultCompiledTypes lists artifact types whose toolchain has a compile step.
var DefaultCompiledTypes = []string{"go", "rust", "rs", "java", "kotlin", "c", "cpp", "cs", "swift", "ts", "typescript", "scala"}
