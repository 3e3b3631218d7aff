package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireLedgerLock takes an exclusive advisory flock on a sibling
// "<dbPath>.lock" file, so a second daemon instance pointed at the same
// Config fails fast instead of racing bbolt's own process-local lock
// across two separate processes that both believe they are the sole
// writer. The returned file must be kept open for the daemon's
// lifetime; closing it (or process exit) releases the lock.
func acquireLedgerLock(dbPath string) (*os.File, error) {
	f, err := os.OpenFile(dbPath+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hardening: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("hardening: another instance already holds %s.lock: %w", dbPath, err)
	}
	return f, nil
}

// dropNoNewPrivs sets PR_SET_NO_NEW_PRIVS, permanently preventing this
// process (and any children) from gaining privileges through execve of
// a setuid/setgid binary or a file with ambient capabilities. Best
// effort: failure is logged by the caller, not fatal, since the daemon
// is expected to run unprivileged in most deployments already.
func dropNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}
