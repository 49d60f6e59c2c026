package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecFixedSizes(t *testing.T) {
	cfg := Default()

	if cfg.RingSizeBytes != 8192+16 {
		t.Errorf("RingSizeBytes = %d, want %d", cfg.RingSizeBytes, 8192+16)
	}
	if cfg.TxDescriptors != 4 {
		t.Errorf("TxDescriptors = %d, want 4", cfg.TxDescriptors)
	}
	if cfg.ReassemblySlots != 16 {
		t.Errorf("ReassemblySlots = %d, want 16", cfg.ReassemblySlots)
	}
	if cfg.RouteTableSize != 256 {
		t.Errorf("RouteTableSize = %d, want 256", cfg.RouteTableSize)
	}
	if cfg.EphemeralPortBase != 49152 {
		t.Errorf("EphemeralPortBase = %d, want 49152", cfg.EphemeralPortBase)
	}
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, Default())
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netcore.yaml")
	contents := "mtu: 9000\nworker_count: 8\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MTU != 9000 {
		t.Errorf("MTU = %d, want 9000", cfg.MTU)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("WorkerCount = %d, want 8", cfg.WorkerCount)
	}
	// Untouched fields keep their defaults.
	if cfg.ReassemblySlots != 16 {
		t.Errorf("ReassemblySlots = %d, want 16", cfg.ReassemblySlots)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CTNET_MTU", "1280")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MTU != 1280 {
		t.Errorf("MTU = %d, want 1280 from CTNET_MTU", cfg.MTU)
	}
}
