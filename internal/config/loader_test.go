package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		global          string
		project         string
		expectParallel  int
		expectGrace     time.Duration
		expectAttempts  int
		expectLevel     string
		expectTools     map[string]string
		expectEnvLength int
	}{
		{
			name:           "No config files - returns defaults",
			expectParallel: 0,
			expectGrace:    5 * time.Second,
			expectAttempts: 10,
			expectLevel:    "info",
		},
		{
			name:           "Global only - sets parallelism and a tool",
			global:         `{"parallelism": 3, "tools": {"comet": "/opt/comet/comet"}}`,
			expectParallel: 3,
			expectGrace:    5 * time.Second,
			expectAttempts: 10,
			expectLevel:    "info",
			expectTools:    map[string]string{"comet": "/opt/comet/comet"},
		},
		{
			name:           "Project only - overrides grace and level",
			project:        `{"shutdown_grace": "250ms", "log_level": "debug"}`,
			expectParallel: 0,
			expectGrace:    250 * time.Millisecond,
			expectAttempts: 10,
			expectLevel:    "debug",
		},
		{
			name:           "Both with merge - global adds, project overrides",
			global:         `{"parallelism": 3, "delete_attempts": 4, "tools": {"comet": "/opt/comet/comet"}, "env": {"LANG": "C"}}`,
			project:        `{"parallelism": 6, "tools": {"comet": "./bin/comet", "msconvert": "/usr/bin/msconvert"}, "env": {"OMP_NUM_THREADS": "2"}}`,
			expectParallel: 6,
			expectGrace:    5 * time.Second,
			expectAttempts: 4,
			expectLevel:    "info",
			expectTools: map[string]string{
				"comet":     "./bin/comet",
				"msconvert": "/usr/bin/msconvert",
			},
			expectEnvLength: 2,
		},
		{
			name:           "Zero values keep the lower layer",
			global:         `{"parallelism": 3}`,
			project:        `{"parallelism": 0, "log_level": ""}`,
			expectParallel: 3,
			expectGrace:    5 * time.Second,
			expectAttempts: 10,
			expectLevel:    "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = filepath.Join(tmpDir, "global.json")
				writeFile(t, globalPath, tt.global)
			}

			projectPath := ""
			if tt.project != "" {
				projectPath = filepath.Join(tmpDir, "project.json")
				writeFile(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Parallelism != tt.expectParallel {
				t.Errorf("parallelism = %d, want %d", cfg.Parallelism, tt.expectParallel)
			}
			if got := cfg.ShutdownGrace.Std(); got != tt.expectGrace {
				t.Errorf("shutdown_grace = %s, want %s", got, tt.expectGrace)
			}
			if cfg.DeleteAttempts != tt.expectAttempts {
				t.Errorf("delete_attempts = %d, want %d", cfg.DeleteAttempts, tt.expectAttempts)
			}
			if cfg.LogLevel != tt.expectLevel {
				t.Errorf("log_level = %q, want %q", cfg.LogLevel, tt.expectLevel)
			}
			for name, path := range tt.expectTools {
				if got := cfg.Tools[name]; got != path {
					t.Errorf("tools[%q] = %q, want %q", name, got, path)
				}
			}
			if len(cfg.Env) != tt.expectEnvLength {
				t.Errorf("env entries = %d, want %d", len(cfg.Env), tt.expectEnvLength)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	writeFile(t, globalPath, "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), globalPath) {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	tmpDir := t.TempDir()

	projectPath := filepath.Join(tmpDir, "project.json")
	writeFile(t, projectPath, `{"delete_interval": 5}`)

	if _, err := Load("", projectPath); err == nil {
		t.Fatal("expected error for numeric duration, got nil")
	}

	writeFile(t, projectPath, `{"delete_interval": "soon"}`)
	if _, err := Load("", projectPath); err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()

	projectPath := filepath.Join(tmpDir, "project.json")
	writeFile(t, projectPath, `{"parallelism": -2, "log_level": "loud", "tools": {"comet": ""}}`)

	_, err := Load("", projectPath)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"parallelism", "log_level", `"comet" has an empty path`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	if cfg.DeleteAttempts != 10 {
		t.Errorf("delete_attempts = %d, want 10", cfg.DeleteAttempts)
	}
	if cfg.DeleteInterval.Std() != time.Second {
		t.Errorf("delete_interval = %s, want 1s", cfg.DeleteInterval.Std())
	}
	if cfg.BreakerThreshold != 3 {
		t.Errorf("breaker_threshold = %d, want 3", cfg.BreakerThreshold)
	}
}

func TestEngineAndRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parallelism = 2
	cfg.DeleteInterval = Duration(10 * time.Millisecond)

	ec := cfg.Engine()
	if ec.Parallelism != 2 || ec.ShutdownGrace != 5*time.Second {
		t.Errorf("engine config = %+v", ec)
	}

	attempts, interval := cfg.Retry()
	if attempts != 10 || interval != 10*time.Millisecond {
		t.Errorf("retry = (%d, %s), want (10, 10ms)", attempts, interval)
	}
}
