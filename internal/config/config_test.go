package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("expected default parallelism, got %d", cfg.Processing.ParallelJobs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"processing":{"parallel_jobs":2,"overwrite":true},"splits":{"names":["train","test"],"amounts":[0.75,0.25]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 2 || !cfg.Processing.Overwrite {
		t.Fatalf("processing not applied: %+v", cfg.Processing)
	}
	if len(cfg.Splits.Names) != 2 || cfg.Splits.Amounts[1] != 0.25 {
		t.Fatalf("splits not applied: %+v", cfg.Splits)
	}
	if cfg.Splits.GroupColumn != "ProteinDisplayName" {
		t.Fatalf("unset fields should keep defaults, got %q", cfg.Splits.GroupColumn)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "stats:\n  percentiles: [10, 90]\nblob:\n  driver: memory\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Stats.Percentiles) != 2 || cfg.Stats.Percentiles[0] != 10 {
		t.Fatalf("unexpected percentiles %v", cfg.Stats.Percentiles)
	}
	if cfg.Blob.Driver != "memory" {
		t.Fatalf("unexpected driver %q", cfg.Blob.Driver)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.json", "cfg.yml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		cfg := Default()
		cfg.Server.Addr = ":9999"
		if err := cfg.Save(path); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if got.Server.Addr != ":9999" {
			t.Fatalf("%s: expected addr round trip, got %q", name, got.Server.Addr)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Splits.Names = []string{"train", "train", "test"}
	cfg.Splits.Amounts = []float64{0.8, 0.1}
	cfg.Stats.Percentiles = []float64{120}
	cfg.Stats.ChannelOrder = []string{"BF", "GFP"}
	cfg.Blob.Driver = "s3"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"2 amounts", "duplicate name", "sum to", "percentile 120", "GFP", "s3_bucket"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestDefaultReturnsFreshSlices(t *testing.T) {
	a := Default()
	a.Splits.Names[0] = "mutated"
	if Default().Splits.Names[0] != "train" {
		t.Fatalf("defaults must not share slices")
	}
}
