package config

import (
	"fmt"
	"strings"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every section and returns ValidationErrors when any field is invalid.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateEngine(&cfg.Engine)
	v.validateValidation(&cfg.Validation)
	v.validateHITL(&cfg.HITL)
	v.validateWorkers(cfg.Workers)
	v.validateRetry(&cfg.Retry)
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		v.addError("nats.url", cfg.NATS.URL, "required when nats is enabled")
	}
	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Format) {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of auto, text, json")
	}
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	if cfg.MaxConsecutive < 1 {
		v.addError("engine.max_consecutive", cfg.MaxConsecutive, "must be at least 1")
	}
	if cfg.IterationCeiling < 1 {
		v.addError("engine.iteration_ceiling", cfg.IterationCeiling, "must be at least 1")
	}
	if cfg.WorkerTimeout <= 0 {
		v.addError("engine.worker_timeout", cfg.WorkerTimeout, "must be positive")
	}
	if cfg.MaxSessions < 1 {
		v.addError("engine.max_sessions", cfg.MaxSessions, "must be at least 1")
	}
	switch cfg.Evaluator {
	case "keyword", "worker":
	default:
		v.addError("engine.evaluator", cfg.Evaluator, "must be keyword or worker")
	}
}

func (v *Validator) validateValidation(cfg *ValidationConfig) {
	if !validScore(cfg.DefaultThreshold) {
		v.addError("validation.default_threshold", cfg.DefaultThreshold, "must be within [0,1]")
	}
	for k, t := range cfg.Thresholds {
		if !validScore(t) {
			v.addError("validation.thresholds."+k, t, "must be within [0,1]")
		}
	}
	if cfg.MaxRetries < 1 {
		v.addError("validation.max_retries", cfg.MaxRetries, "must be at least 1")
	}
}

func (v *Validator) validateHITL(cfg *HITLConfig) {
	if cfg.DefaultTimeout <= 0 {
		v.addError("hitl.default_timeout", cfg.DefaultTimeout, "must be positive")
	}
	if _, err := core.ParseTimeoutPolicy(cfg.DefaultPolicy); err != nil {
		v.addError("hitl.default_policy", cfg.DefaultPolicy, "must be auto_approve, auto_reject, auto_abort or retry")
	}
	for kind, p := range cfg.Policies {
		switch core.HITLKind(kind) {
		case core.HITLLowConfidence, core.HITLFinalSummary, core.HITLValidationEscalation:
		default:
			v.addError("hitl.policies."+kind, p, "unknown approval kind")
			continue
		}
		if _, err := core.ParseTimeoutPolicy(p); err != nil {
			v.addError("hitl.policies."+kind, p, "unknown timeout policy")
		}
	}
	if !validScore(cfg.LowConfidenceThreshold) {
		v.addError("hitl.low_confidence_threshold", cfg.LowConfidenceThreshold, "must be within [0,1]")
	}
	if cfg.MaxReissues < 0 {
		v.addError("hitl.max_reissues", cfg.MaxReissues, "must not be negative")
	}
}

func (v *Validator) validateWorkers(workers WorkersConfig) {
	for name := range workers {
		role, err := core.ParseRole(name)
		if err != nil || !role.IsWorker() {
			v.addError("workers."+name, name, "not a worker role")
		}
	}
}

func (v *Validator) validateRetry(cfg *RetryConfig) {
	if cfg.MaxAttempts < 1 {
		v.addError("retry.max_attempts", cfg.MaxAttempts, "must be at least 1")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		v.addError("retry.base_delay", cfg.BaseDelay, "delays must not be negative")
	}
	if cfg.Multiplier < 1 {
		v.addError("retry.multiplier", cfg.Multiplier, "must be at least 1")
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		v.addError("retry.jitter", cfg.Jitter, "must be within [0,1]")
	}
}

func validScore(f float64) bool {
	return f >= 0 && f <= 1
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
