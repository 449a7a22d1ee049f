package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	Parallelism      int               `json:"parallelism,omitempty"`       // Parallel pool size; 0 means NumCPU-1
	ShutdownGrace    Duration          `json:"shutdown_grace,omitempty"`    // How long a reset waits for running tasks
	DeleteAttempts   int               `json:"delete_attempts,omitempty"`   // Deletion attempts for a path in use
	DeleteInterval   Duration          `json:"delete_interval,omitempty"`   // Pause between deletion attempts
	JournalPath      string            `json:"journal_path,omitempty"`      // SQLite run journal; empty means ~/.stagerun/journal.db
	LogLevel         string            `json:"log_level,omitempty"`         // logrus level name
	BreakerThreshold int               `json:"breaker_threshold,omitempty"` // Consecutive start failures before launches are suspended
	Tools            map[string]string `json:"tools,omitempty"`             // Command name -> executable path
	Env              map[string]string `json:"env,omitempty"`               // Extra environment for every step
}

// Duration is a time.Duration written as a string such as "1s" or "250ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
