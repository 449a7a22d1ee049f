package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/aristath/stagerun/internal/cleanup"
	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/proc"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Parallelism:      0,
		ShutdownGrace:    Duration(engine.DefaultShutdownGrace),
		DeleteAttempts:   cleanup.DefaultAttempts,
		DeleteInterval:   Duration(cleanup.DefaultInterval),
		LogLevel:         logrus.InfoLevel.String(),
		BreakerThreshold: proc.DefaultBreakerThreshold,
		Tools:            map[string]string{},
		Env:              map[string]string{},
	}
}

// Validate reports every setting that is out of range.
func (c *EngineConfig) Validate() error {
	var result *multierror.Error

	if c.Parallelism < 0 {
		result = multierror.Append(result, fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism))
	}
	if c.ShutdownGrace.Std() < 0 {
		result = multierror.Append(result, errors.New("shutdown_grace must not be negative"))
	}
	if c.DeleteAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("delete_attempts must be at least 1, got %d", c.DeleteAttempts))
	}
	if c.DeleteInterval.Std() < 0 {
		result = multierror.Append(result, errors.New("delete_interval must not be negative"))
	}
	if c.BreakerThreshold < 1 {
		result = multierror.Append(result, fmt.Errorf("breaker_threshold must be at least 1, got %d", c.BreakerThreshold))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("log_level: %w", err))
	}
	for name, path := range c.Tools {
		if path == "" {
			result = multierror.Append(result, fmt.Errorf("tools: %q has an empty path", name))
		}
	}

	return result.ErrorOrNil()
}

// Engine returns the engine sizing taken from c.
func (c *EngineConfig) Engine() engine.Config {
	return engine.Config{
		Parallelism:   c.Parallelism,
		ShutdownGrace: c.ShutdownGrace.Std(),
	}
}

// Retry returns the deletion retry policy taken from c.
func (c *EngineConfig) Retry() (attempts int, interval time.Duration) {
	return c.DeleteAttempts, c.DeleteInterval.Std()
}
