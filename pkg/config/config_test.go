package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"aslmap/pkg/models"
)

// TestDefaultConfig verifies the default values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Processing.Workers != runtime.NumCPU() {
		t.Errorf("Expected %d workers, got %d", runtime.NumCPU(), cfg.Processing.Workers)
	}
	if cfg.Constants.T1Blood != 1650 {
		t.Errorf("Expected T1Blood 1650, got %g", cfg.Constants.T1Blood)
	}
	if cfg.Smoothing.Filter != "" {
		t.Errorf("Expected smoothing off by default, got %q", cfg.Smoothing.Filter)
	}
	if cfg.Smoothing.Size != 3 {
		t.Errorf("Expected median size 3, got %d", cfg.Smoothing.Size)
	}
}

// TestParameters verifies the conversion to the model parameter set
func TestParameters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Constants.Alpha = 0.9

	p := cfg.Parameters()
	if p != (models.Parameters{
		T1Blood: 1650, T1CSF: 1400, T2Blood: 165, T2GM: 75, T2CSF: 1500,
		Alpha: 0.9, Lambda: 0.98,
	}) {
		t.Errorf("Unexpected parameter set: %+v", p)
	}
}

// TestLoadConfigMissingFile verifies the fallback to defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Constants.Lambda != 0.98 {
		t.Errorf("Expected default Lambda, got %g", cfg.Constants.Lambda)
	}
}

// TestSaveLoadRoundTrip verifies YAML persistence
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "aslmap.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 2
	cfg.Smoothing.Filter = "gaussian"
	cfg.Smoothing.Sigma = 1.5
	cfg.Output.PreviewDir = "previews"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Processing.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", loaded.Processing.Workers)
	}
	if loaded.Smoothing.Filter != "gaussian" || loaded.Smoothing.Sigma != 1.5 {
		t.Errorf("Smoothing settings changed: %+v", loaded.Smoothing)
	}
	if loaded.Output.PreviewDir != "previews" {
		t.Errorf("Expected preview dir to persist, got %q", loaded.Output.PreviewDir)
	}
}

// TestLoadConfigPartialFile verifies that unset keys keep their
// defaults
func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	body := "processing:\n  workers: 1\nconstants:\n  alpha: 0.8\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Processing.Workers != 1 {
		t.Errorf("Expected 1 worker, got %d", cfg.Processing.Workers)
	}
	if cfg.Constants.Alpha != 0.8 {
		t.Errorf("Expected Alpha 0.8, got %g", cfg.Constants.Alpha)
	}
	if cfg.Constants.T1Blood != 1650 {
		t.Errorf("Expected the T1Blood default to survive, got %g", cfg.Constants.T1Blood)
	}
}

// TestLoadConfigMalformed verifies the parse error path
func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("processing: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected a parse error")
	}
}
