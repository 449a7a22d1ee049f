package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Parallelism = 4
	cfg.Tools["comet"] = "/opt/comet/comet"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if raw["shutdown_grace"] != "5s" {
		t.Errorf("shutdown_grace written as %v, want \"5s\"", raw["shutdown_grace"])
	}
	if raw["parallelism"] != float64(4) {
		t.Errorf("parallelism written as %v, want 4", raw["parallelism"])
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	for i := 0; i < 3; i++ {
		if err := Save(DefaultConfig(), path); err != nil {
			t.Fatalf("Save #%d failed: %v", i+1, err)
		}
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only config.json, found %v", names)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	original := DefaultConfig()
	original.Parallelism = 7
	original.ShutdownGrace = Duration(1500 * time.Millisecond)
	original.JournalPath = filepath.Join(tmpDir, "journal.db")
	original.Env["OMP_NUM_THREADS"] = "4"

	if err := Save(original, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Parallelism != 7 {
		t.Errorf("parallelism = %d, want 7", loaded.Parallelism)
	}
	if loaded.ShutdownGrace.Std() != 1500*time.Millisecond {
		t.Errorf("shutdown_grace = %s, want 1.5s", loaded.ShutdownGrace.Std())
	}
	if loaded.JournalPath != original.JournalPath {
		t.Errorf("journal_path = %q, want %q", loaded.JournalPath, original.JournalPath)
	}
	if loaded.Env["OMP_NUM_THREADS"] != "4" {
		t.Errorf("env not preserved: %v", loaded.Env)
	}
}
