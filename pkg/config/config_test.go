package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefaultConfigIsValid verifies the defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Global.MatchStd || !cfg.Local.Enabled || cfg.Output.OutOfRange != "clamp" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

// TestLoadConfigMissingFile verifies defaults are returned without a file
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Local.BlockSize != DefaultConfig().Local.BlockSize {
		t.Errorf("Expected default block size, got %d", cfg.Local.BlockSize)
	}
}

// TestSaveAndLoadConfig verifies round-tripping through YAML
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rrnorm.yaml")
	cfg := DefaultConfig()
	cfg.Global.ModelImages = []string{"scene_012"}
	cfg.Local.BlockSize = 64
	cfg.Output.OutOfRange = "error"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(loaded.Global.ModelImages) != 1 || loaded.Global.ModelImages[0] != "scene_012" {
		t.Errorf("model images = %v", loaded.Global.ModelImages)
	}
	if loaded.Local.BlockSize != 64 || loaded.Output.OutOfRange != "error" {
		t.Errorf("loaded config differs: %+v", loaded)
	}
}

// TestPartialConfigKeepsDefaults verifies unspecified keys keep their defaults
func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	if err := os.WriteFile(path, []byte("local:\n  blockSize: 32\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Local.BlockSize != 32 || cfg.Local.Neighbors != 8 || !cfg.Global.Weighted {
		t.Errorf("partial config lost defaults: %+v", cfg.Local)
	}
}

// TestValidateReportsEveryProblem verifies errors are joined
func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Local.Power = 0
	cfg.Output.OutOfRange = "wrap"
	cfg.Global.ModelImages = []string{"a", "a"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"local.power", "outOfRange", "twice"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg = DefaultConfig()
	cfg.Local.Enabled = false
	cfg.Local.Power = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled local section must not be validated: %v", err)
	}
}

// TestLoadConfigRejectsInvalid verifies invalid files fail to load
func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("processing:\n  tileSize: 0\n"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for tileSize 0")
	}
	os.WriteFile(path, []byte("processing: [not, a, map]\n"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}

// TestConfigKeysAreCamelCase verifies the YAML key names read and written
func TestConfigKeysAreCamelCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rrnorm.yaml")
	yaml := "processing:\n  tileSize: 256\n  memoryFraction: 0.5\n" +
		"global:\n  matchStd: false\n  modelImages: [a]\n" +
		"local:\n  dampingRadius: 64\n" +
		"output:\n  outOfRange: error\n" +
		"logging:\n  logDir: run-logs\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.TileSize != 256 || cfg.Processing.MemoryFraction != 0.5 {
		t.Errorf("processing = %+v", cfg.Processing)
	}
	if cfg.Global.MatchStd || len(cfg.Global.ModelImages) != 1 {
		t.Errorf("global = %+v", cfg.Global)
	}
	if cfg.Local.DampingRadius != 64 || cfg.Output.OutOfRange != "error" || cfg.Logging.LogDir != "run-logs" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"tileSize:", "minBlockPixels:", "outOfRange:", "fileOutput:"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("saved config missing %s:\n%s", key, data)
		}
	}
	if strings.Contains(string(data), "tile_size") {
		t.Errorf("saved config uses snake_case keys:\n%s", data)
	}
}
