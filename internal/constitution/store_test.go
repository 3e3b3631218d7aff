package constitution

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func TestNewStoreRejectsInvalidSnapshot(t *testing.T) {
	bad := Default()
	bad.RewriteBudget = 0
	if _, err := NewStore(bad, "", zap.NewNop()); err == nil {
		t.Fatalf("expected error for invalid initial snapshot")
	}
}

func TestReloadKeepsPreviousOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "constitution.yaml")

	good := Default()
	good.Version = 1
	writeYAML(t, path, good)

	store, err := NewStore(good, path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	bad := Default()
	bad.Version = 2
	bad.RollbackLimit = 0 // invalid
	writeYAML(t, path, bad)

	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload to fail validation")
	}
	if store.Snapshot().Version != 1 {
		t.Fatalf("expected previous snapshot (version 1) to remain active, got version %d", store.Snapshot().Version)
	}
}

func TestReloadRejectsNonMonotonicVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "constitution.yaml")

	v2 := Default()
	v2.Version = 2
	writeYAML(t, path, v2)
	store, err := NewStore(v2, path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	v1 := Default()
	v1.Version = 1
	writeYAML(t, path, v1)

	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload to reject non-monotonic version")
	}
	if store.Snapshot().Version != 2 {
		t.Fatalf("expected version to remain 2, got %d", store.Snapshot().Version)
	}
}

func TestReloadAcceptsValidHigherVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "constitution.yaml")

	v1 := Default()
	v1.Version = 1
	writeYAML(t, path, v1)
	store, err := NewStore(v1, path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	v2 := Default()
	v2.Version = 2
	v2.Thresholds.RiskCritical = 0.9
	writeYAML(t, path, v2)

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if store.Snapshot().Version != 2 {
		t.Fatalf("expected version 2 active, got %d", store.Snapshot().Version)
	}
}

func writeYAML(t *testing.T, path string, snap Snapshot) {
	t.Helper()
	data, err := yaml.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}
