package constitution

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store owns the single process-wide Constitution pointer. Reload performs
// copy-on-write: the new Snapshot is validated off to the side and the
// pointer is only swapped in if it passes. Snapshot() is lock-free and
// never blocks behind a reload.
type Store struct {
	ptr    atomic.Pointer[Snapshot]
	path   string
	log    *zap.Logger
}

// NewStore creates a Store seeded with an initial, already-validated
// Snapshot. Construction fails fast if the initial snapshot is invalid —
// unlike Reload, there is no previous snapshot to fall back to.
func NewStore(initial Snapshot, path string, log *zap.Logger) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("constitution.NewStore: initial snapshot invalid: %w", err)
	}
	s := &Store{path: path, log: log}
	s.ptr.Store(&initial)
	return s, nil
}

// Snapshot returns the currently active Constitution. Wait-free for
// readers: it is a single atomic pointer load.
func (s *Store) Snapshot() *Snapshot {
	return s.ptr.Load()
}

// LoadFromFile reads and parses a YAML constitution document from disk
// and returns it without installing it. It does not validate the result;
// callers run Validate() (Reload does so itself). Used both at startup
// and by Reload.
func LoadFromFile(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("constitution: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("constitution: parse %q: %w", path, err)
	}
	return snap, nil
}

// Reload re-reads the constitution file, validates the result, and swaps
// the active pointer only on success. Versions must be strictly
// increasing; a non-monotonic version is rejected same as a failed
// Validate(). On any rejection the previous snapshot remains active and
// the error is logged, never panicked — this is called from a SIGHUP
// handler and must never crash the process.
func (s *Store) Reload() error {
	next, err := LoadFromFile(s.path)
	if err != nil {
		s.log.Error("constitution reload: read/parse failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	if err := next.Validate(); err != nil {
		s.log.Error("constitution reload: validation failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	prev := s.ptr.Load()
	if prev != nil && next.Version <= prev.Version {
		err := fmt.Errorf("constitution reload: version %d is not strictly greater than active version %d",
			next.Version, prev.Version)
		s.log.Error("constitution reload rejected", zap.Error(err))
		return err
	}
	s.ptr.Store(&next)
	s.log.Info("constitution reloaded", zap.Int("version", next.Version))
	return nil
}
