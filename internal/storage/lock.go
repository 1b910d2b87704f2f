package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrVaultLocked is returned when another process already serves the vault.
var ErrVaultLocked = errors.New("vault is locked by another process")

// VaultLock is the cross-process lock held for the lifetime of a server.
type VaultLock struct {
	fl *flock.Flock
}

// AcquireLock takes a non-blocking exclusive lock at <stateDir>/alaya.lock.
func AcquireLock(stateDir string) (*VaultLock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create state dir: %w", err)
	}
	fl := flock.New(filepath.Join(stateDir, "alaya.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage: lock vault: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("storage: %s: %w", stateDir, ErrVaultLocked)
	}
	return &VaultLock{fl: fl}, nil
}

// Release unlocks the vault. Safe to call more than once.
func (l *VaultLock) Release() error {
	if l == nil || !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("storage: unlock vault: %w", err)
	}
	return nil
}
