package gcenv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gcglue/gcglue/diagnostics"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}
	if n, _ := cfg.HeapBytes(); n != 64<<20 {
		t.Errorf("default heap is %d bytes, want 64MB", n)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	data := "plan: semispace\nworkers: 3\nheap_size: 16MB\ncompressed: true\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Plan != "semispace" || cfg.Workers != 3 || cfg.HeapSize != "16MB" || !cfg.Compressed {
		t.Errorf("Load returned %+v", cfg)
	}
	if cfg.BufferSize != 4096 {
		t.Errorf("unset buffer_size is %d, want the default", cfg.BufferSize)
	}
	if !cfg.SelectedPlan().Moving {
		t.Error("semispace plan is not moving")
	}

	// The marshalled form loads back.
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil || again != cfg {
		t.Errorf("reloading %q gave %+v, %v", out, again, err)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	if err := os.WriteFile(path, []byte("plan: marksweep\nworkerz: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var fileErr *diagnostics.FileError
	if !errors.As(err, &fileErr) || fileErr.File != path {
		t.Fatalf("Load returned %v, want a FileError for %s", err, path)
	}
	diags := diagnostics.CreateDiagnostics(err)
	if len(diags) != 1 || diags[0].Diagnostics[0].Line != 2 {
		t.Errorf("unexpected diagnostics %+v", diags)
	}
}

func TestParseOptions(t *testing.T) {
	cfg := Default()
	err := cfg.ParseOptions(`plan=semispace-unloading workers=2 heap_size="128 MB" no_finalizer roots_breakdown=false`)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if cfg.Plan != "semispace-unloading" || cfg.Workers != 2 || cfg.HeapSize != "128 MB" || !cfg.NoFinalizer || cfg.RootsBreakdown {
		t.Errorf("ParseOptions gave %+v", cfg)
	}
	if n, _ := cfg.HeapBytes(); n != 128<<20 {
		t.Errorf("heap is %d bytes, want 128MB", n)
	}

	err = cfg.ParseOptions("workers=many colour=red heap_size=12XB")
	var multi *diagnostics.MultiError
	if !errors.As(err, &multi) || len(multi.Errs) != 3 {
		t.Errorf("ParseOptions returned %v, want three errors", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvVar, "workers=5 compressed")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 5 || !cfg.Compressed {
		t.Errorf("ApplyEnv gave %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Plan = "refcount"
	cfg.Workers = 0
	cfg.HeapSize = "16KB"
	err := cfg.Validate()
	var multi *diagnostics.MultiError
	if !errors.As(err, &multi) || len(multi.Errs) != 3 {
		t.Errorf("Validate returned %v, want three errors", err)
	}
}

func TestKeys(t *testing.T) {
	cfg := Default()
	for _, key := range Keys() {
		if err := cfg.Set(key, "nonsense"); err == nil && key != "plan" {
			t.Errorf("Set(%s, nonsense) succeeded", key)
		}
	}
}
