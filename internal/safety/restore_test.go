package safety_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kineviz/internal/layout"
	"kineviz/internal/safety"
	"kineviz/internal/testutil"
)

func TestRestoreEngine_Restore(t *testing.T) {
	t.Run("round trip returns live state to the snapshot", func(t *testing.T) {
		clock := testutil.FixedClock()
		store, l := newStore(t, testutil.PermissiveSettings(), clock)
		trial := filepath.Join(l.StudyDir("Gait01"), "P01", layout.OriginalFilesDir, "trial1.txt")

		snapshotPath, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// Mutate everything the snapshot covers.
		testutil.WriteFile(t, l.DatabasePath(), "catalog-v2")
		testutil.WriteFile(t, l.SettingsPath(), "[backup]\nmutated = true\n")
		testutil.WriteFile(t, trial, "mutated trial data")

		clock.Advance(time.Minute)
		engine := safety.NewRestoreEngine(l, clock, safety.NewNopLogger())
		if err := engine.Restore(snapshotPath); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		if got := testutil.ReadFile(t, l.DatabasePath()); got != "catalog-v1" {
			t.Errorf("database = %q, want %q", got, "catalog-v1")
		}
		if got := testutil.ReadFile(t, l.SettingsPath()); got != "[backup]\n" {
			t.Errorf("settings = %q, want original", got)
		}
		if got := testutil.ReadFile(t, trial); got != "raw trial data" {
			t.Errorf("trial file = %q, want original", got)
		}

		baks, _ := filepath.Glob(filepath.Join(l.BaseDir(), "*.bak"))
		if len(baks) != 0 {
			t.Errorf("rollback artifacts remain after commit: %v", baks)
		}
		temps, _ := filepath.Glob(filepath.Join(l.BaseDir(), "temp_restore_*"))
		if len(temps) != 0 {
			t.Errorf("extraction directories remain: %v", temps)
		}
	})

	t.Run("empty study directory survives the round trip", func(t *testing.T) {
		clock := testutil.FixedClock()
		store, l := newStore(t, testutil.PermissiveSettings(), clock)

		empty := l.StudyDir("EmptyStudy")
		if err := os.MkdirAll(empty, 0755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}

		snapshotPath, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := os.RemoveAll(empty); err != nil {
			t.Fatalf("RemoveAll() error = %v", err)
		}

		engine := safety.NewRestoreEngine(l, clock, safety.NewNopLogger())
		if err := engine.Restore(snapshotPath); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if !testutil.Exists(empty) {
			t.Errorf("empty study directory did not survive the round trip")
		}
	})

	t.Run("missing snapshot file", func(t *testing.T) {
		l := layout.At(t.TempDir())
		engine := safety.NewRestoreEngine(l, testutil.FixedClock(), safety.NewNopLogger())

		err := engine.Restore(filepath.Join(l.BaseDir(), "nope.zip"))
		if !errors.Is(err, safety.ErrSnapshotNotFound) {
			t.Fatalf("Restore() error = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("study tree is recreated when absent from the archive", func(t *testing.T) {
		clock := testutil.FixedClock()
		l := layout.At(t.TempDir())
		testutil.WriteFile(t, l.DatabasePath(), "catalog-v1")
		testutil.WriteFile(t, l.SettingsPath(), "[backup]\n")

		store, err := safety.NewBackupStore(l, testutil.PermissiveSettings(), clock, safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}
		// No study tree existed when this snapshot was taken.
		snapshotPath, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		testutil.WriteFile(t,
			filepath.Join(l.StudyDir("Later"), "P01", layout.OriginalFilesDir, "t.txt"), "x")

		engine := safety.NewRestoreEngine(l, clock, safety.NewNopLogger())
		if err := engine.Restore(snapshotPath); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		info, err := os.Stat(l.StudyTreeDir())
		if err != nil || !info.IsDir() {
			t.Fatalf("study tree missing after restore: %v", err)
		}
		entries, _ := os.ReadDir(l.StudyTreeDir())
		if len(entries) != 0 {
			t.Errorf("study tree not empty after restoring pre-tree snapshot: %v", entries)
		}
	})
}
