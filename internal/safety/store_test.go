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

// seedBase populates a base directory with a live database, settings file
// and a small study tree so snapshots have content.
func seedBase(t *testing.T, l layout.Layout) {
	t.Helper()
	testutil.WriteFile(t, l.DatabasePath(), "catalog-v1")
	testutil.WriteFile(t, l.SettingsPath(), "[backup]\n")
	testutil.WriteFile(t,
		filepath.Join(l.StudyDir("Gait01"), "P01", layout.OriginalFilesDir, "trial1.txt"),
		"raw trial data")
}

func newStore(t *testing.T, settings *testutil.StubSettings, clock safety.Clock) (*safety.BackupStore, layout.Layout) {
	t.Helper()
	l := layout.At(t.TempDir())
	seedBase(t, l)
	store, err := safety.NewBackupStore(l, settings, clock, safety.NewNopLogger())
	if err != nil {
		t.Fatalf("NewBackupStore() error = %v", err)
	}
	return store, l
}

func countSnapshots(t *testing.T, l layout.Layout, c safety.Category) int {
	t.Helper()
	entries, err := os.ReadDir(l.CategoryDir(string(c)))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	n := 0
	for _, e := range entries {
		if _, ok := safety.ParseSnapshotName(e.Name()); ok {
			n++
		}
	}
	return n
}

func TestBackupStore_Create(t *testing.T) {
	t.Run("rolling retention keeps automatic category at max_count", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Automatic = safety.Policy{Enabled: true, MaxCount: 3}
		clock := testutil.FixedClock()
		store, l := newStore(t, settings, clock)

		var oldest string
		for i := 0; i < 6; i++ {
			path, err := store.Create(safety.CategoryAutomatic, false)
			if err != nil {
				t.Fatalf("Create() #%d error = %v", i, err)
			}
			if i == 0 {
				oldest = path
			}
			if got := countSnapshots(t, l, safety.CategoryAutomatic); got > 3 {
				t.Errorf("after creation %d: count = %d, want <= 3", i, got)
			}
			clock.Advance(time.Second)
		}

		if got := countSnapshots(t, l, safety.CategoryAutomatic); got != 3 {
			t.Errorf("final count = %d, want 3", got)
		}
		if testutil.Exists(oldest) {
			t.Errorf("oldest snapshot %s still exists, want evicted", oldest)
		}
	})

	t.Run("manual limit refuses without evicting", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Manual = safety.Policy{Enabled: true, MaxCount: 2}
		clock := testutil.FixedClock()
		store, l := newStore(t, settings, clock)

		for i := 0; i < 2; i++ {
			if _, err := store.Create(safety.CategoryManual, false); err != nil {
				t.Fatalf("Create() #%d error = %v", i, err)
			}
			clock.Advance(time.Second)
		}

		_, err := store.Create(safety.CategoryManual, false)
		if !errors.Is(err, safety.ErrLimitReached) {
			t.Fatalf("Create() error = %v, want ErrLimitReached", err)
		}
		if got := countSnapshots(t, l, safety.CategoryManual); got != 2 {
			t.Errorf("count after refusal = %d, want 2 (untouched)", got)
		}
	})

	t.Run("manual max_count zero refuses unconditionally", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Manual = safety.Policy{Enabled: true, MaxCount: 0}
		store, _ := newStore(t, settings, testutil.FixedClock())

		if _, err := store.Create(safety.CategoryManual, false); !errors.Is(err, safety.ErrLimitReached) {
			t.Fatalf("Create() error = %v, want ErrLimitReached", err)
		}
	})

	t.Run("cooldown refuses then allows", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Automatic = safety.Policy{Enabled: true, MaxCount: 10, Cooldown: 30 * time.Second}
		clock := testutil.FixedClock()
		store, _ := newStore(t, settings, clock)

		if _, err := store.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("first Create() error = %v", err)
		}

		clock.Advance(10 * time.Second)
		if _, err := store.Create(safety.CategoryAutomatic, false); !errors.Is(err, safety.ErrCooldownActive) {
			t.Fatalf("Create() within cooldown error = %v, want ErrCooldownActive", err)
		}

		clock.Advance(30 * time.Second)
		if _, err := store.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("Create() after cooldown error = %v", err)
		}
	})

	t.Run("cooldown state is per instance", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Automatic = safety.Policy{Enabled: true, MaxCount: 10, Cooldown: time.Hour}
		clock := testutil.FixedClock()
		l := layout.At(t.TempDir())
		seedBase(t, l)

		first, err := safety.NewBackupStore(l, settings, clock, safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}
		if _, err := first.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// A fresh store (fresh process) ignores the other instance's
		// cooldown; only the name collision remains, so step past it.
		clock.Advance(time.Second)
		second, err := safety.NewBackupStore(l, settings, clock, safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}
		if _, err := second.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("fresh instance Create() error = %v, want success", err)
		}
	})

	t.Run("pre-placed lock file refuses creation", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		store, l := newStore(t, settings, testutil.FixedClock())

		lockPath := filepath.Join(l.CategoryDir(string(safety.CategoryAutomatic)), ".backup_in_progress.lock")
		testutil.WriteFile(t, lockPath, "")

		_, err := store.Create(safety.CategoryAutomatic, false)
		if !errors.Is(err, safety.ErrLockHeld) {
			t.Fatalf("Create() error = %v, want ErrLockHeld", err)
		}
		if !testutil.Exists(lockPath) {
			t.Errorf("pre-placed lock file was removed")
		}
		if got := countSnapshots(t, l, safety.CategoryAutomatic); got != 0 {
			t.Errorf("snapshot count = %d, want 0", got)
		}
	})

	t.Run("lock is released after success and failure", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		clock := testutil.FixedClock()
		store, l := newStore(t, settings, clock)

		if _, err := store.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		lockPath := filepath.Join(l.CategoryDir(string(safety.CategoryAutomatic)), ".backup_in_progress.lock")
		if testutil.Exists(lockPath) {
			t.Errorf("lock file still present after success")
		}

		// Same-second collision fails the second attempt; the lock must
		// still come off.
		if _, err := store.Create(safety.CategoryAutomatic, false); !errors.Is(err, safety.ErrSnapshotExists) {
			t.Fatalf("Create() error = %v, want ErrSnapshotExists", err)
		}
		if testutil.Exists(lockPath) {
			t.Errorf("lock file still present after failure")
		}
	})

	t.Run("disabled category refuses", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.Automatic.Enabled = false
		store, _ := newStore(t, settings, testutil.FixedClock())

		if _, err := store.Create(safety.CategoryAutomatic, false); !errors.Is(err, safety.ErrDisabled) {
			t.Fatalf("Create() error = %v, want ErrDisabled", err)
		}
	})

	t.Run("test mode skips automatic and pre-restore", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		store, l := newStore(t, settings, testutil.FixedClock())

		for _, c := range []safety.Category{safety.CategoryAutomatic, safety.CategoryPreRestore} {
			if _, err := store.Create(c, true); !errors.Is(err, safety.ErrTestMode) {
				t.Errorf("Create(%s, testMode) error = %v, want ErrTestMode", c, err)
			}
			if got := countSnapshots(t, l, c); got != 0 {
				t.Errorf("Create(%s, testMode) wrote a snapshot", c)
			}
		}
	})

	t.Run("empty base refuses with nothing to archive", func(t *testing.T) {
		l := layout.At(t.TempDir())
		store, err := safety.NewBackupStore(l, testutil.PermissiveSettings(), testutil.FixedClock(), safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}

		if _, err := store.Create(safety.CategoryManual, false); !errors.Is(err, safety.ErrNothingToArchive) {
			t.Fatalf("Create() error = %v, want ErrNothingToArchive", err)
		}
	})

	t.Run("unknown category is rejected", func(t *testing.T) {
		store, _ := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())
		if _, err := store.Create(safety.Category("weekly"), false); err == nil {
			t.Fatal("Create(weekly) error = nil, want error")
		}
	})
}

func TestBackupStore_List(t *testing.T) {
	t.Run("lists newest first across categories", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		clock := testutil.FixedClock()
		store, _ := newStore(t, settings, clock)

		if _, err := store.Create(safety.CategoryManual, false); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		clock.Advance(time.Minute)
		if _, err := store.Create(safety.CategoryAutomatic, false); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		snaps, err := store.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("List() returned %d snapshots, want 2", len(snaps))
		}
		if snaps[0].Category != safety.CategoryAutomatic {
			t.Errorf("newest category = %s, want automatic", snaps[0].Category)
		}
		if !snaps[0].CreatedAt.After(snaps[1].CreatedAt) {
			t.Errorf("snapshots not ordered newest first")
		}
	})

	t.Run("skips files that do not match the naming pattern", func(t *testing.T) {
		store, l := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())
		testutil.WriteFile(t, filepath.Join(l.CategoryDir("manual"), "notes.txt"), "x")
		testutil.WriteFile(t, filepath.Join(l.CategoryDir("manual"), "backup_2024.zip"), "x")

		snaps, err := store.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(snaps) != 0 {
			t.Errorf("List() returned %d snapshots, want 0", len(snaps))
		}
	})
}

func TestBackupStore_Aliases(t *testing.T) {
	t.Run("alias surfaces on exactly one snapshot", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		clock := testutil.FixedClock()
		store, _ := newStore(t, settings, clock)

		first, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		clock.Advance(time.Second)
		if _, err := store.Create(safety.CategoryManual, false); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		filename := filepath.Base(first)
		if err := store.AddAlias(safety.CategoryManual, filename, "Baseline"); err != nil {
			t.Fatalf("AddAlias() error = %v", err)
		}

		snaps, err := store.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		for _, s := range snaps {
			want := ""
			if s.Filename == filename {
				want = "Baseline"
			}
			if s.Alias != want {
				t.Errorf("snapshot %s alias = %q, want %q", s.Filename, s.Alias, want)
			}
		}
	})

	t.Run("rejects blank alias and bad filenames", func(t *testing.T) {
		store, _ := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())

		if err := store.AddAlias(safety.CategoryManual, "backup_20240101_000000.zip", "   "); err == nil {
			t.Error("AddAlias(blank) error = nil, want error")
		}
		if err := store.AddAlias(safety.CategoryManual, "nope.zip", "Baseline"); err == nil {
			t.Error("AddAlias(bad filename) error = nil, want error")
		}
	})

	t.Run("remove alias reports missing keys", func(t *testing.T) {
		store, _ := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())

		err := store.RemoveAlias(safety.CategoryManual, "backup_20240101_000000.zip")
		if !errors.Is(err, safety.ErrAliasNotFound) {
			t.Fatalf("RemoveAlias() error = %v, want ErrAliasNotFound", err)
		}
	})

	t.Run("aliases persist across store instances", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		clock := testutil.FixedClock()
		l := layout.At(t.TempDir())
		seedBase(t, l)

		store, err := safety.NewBackupStore(l, settings, clock, safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}
		path, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		filename := filepath.Base(path)
		if err := store.AddAlias(safety.CategoryManual, filename, "Baseline"); err != nil {
			t.Fatalf("AddAlias() error = %v", err)
		}

		reopened, err := safety.NewBackupStore(l, settings, clock, safety.NewNopLogger())
		if err != nil {
			t.Fatalf("NewBackupStore() error = %v", err)
		}
		snaps, err := reopened.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(snaps) != 1 || snaps[0].Alias != "Baseline" {
			t.Errorf("reopened store lost the alias: %+v", snaps)
		}
	})
}

func TestBackupStore_Delete(t *testing.T) {
	t.Run("removes zip and alias", func(t *testing.T) {
		store, _ := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())

		path, err := store.Create(safety.CategoryManual, false)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		filename := filepath.Base(path)
		if err := store.AddAlias(safety.CategoryManual, filename, "Baseline"); err != nil {
			t.Fatalf("AddAlias() error = %v", err)
		}

		if err := store.Delete(safety.CategoryManual, filename); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if testutil.Exists(path) {
			t.Errorf("snapshot still exists after Delete")
		}

		snaps, err := store.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(snaps) != 0 {
			t.Errorf("List() returned %d snapshots after Delete, want 0", len(snaps))
		}
	})

	t.Run("missing snapshot", func(t *testing.T) {
		store, _ := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())
		err := store.Delete(safety.CategoryManual, "backup_20240101_000000.zip")
		if !errors.Is(err, safety.ErrSnapshotNotFound) {
			t.Fatalf("Delete() error = %v, want ErrSnapshotNotFound", err)
		}
	})
}

func TestBackupStore_CleanupResidualArtifacts(t *testing.T) {
	store, l := newStore(t, testutil.PermissiveSettings(), testutil.FixedClock())

	testutil.WriteFile(t, filepath.Join(l.BaseDir(), "kineviz.db.20240101120000.bak"), "old")
	if err := os.MkdirAll(filepath.Join(l.BaseDir(), "estudios.20240101120000.bak"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(l.BaseDir(), "temp_restore_20240101120000"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	lockPath := filepath.Join(l.CategoryDir(string(safety.CategoryAutomatic)), ".backup_in_progress.lock")
	testutil.WriteFile(t, lockPath, "")

	deleted, failed := store.CleanupResidualArtifacts()
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d, want 4", deleted)
	}
	for _, p := range []string{
		filepath.Join(l.BaseDir(), "kineviz.db.20240101120000.bak"),
		filepath.Join(l.BaseDir(), "estudios.20240101120000.bak"),
		filepath.Join(l.BaseDir(), "temp_restore_20240101120000"),
		lockPath,
	} {
		if testutil.Exists(p) {
			t.Errorf("artifact %s still exists", p)
		}
	}
}
