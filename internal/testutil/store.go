// Package testutil provides shared helpers for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/outpostvpn/outpost/internal/state"
)

// NewStore opens a migrated throwaway SQLite store in t.TempDir.
func NewStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := state.Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	store := state.New(db)
	t.Cleanup(func() { store.Close() })
	return store
}
