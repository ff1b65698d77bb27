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

func newUndoCache(t *testing.T, settings *testutil.StubSettings, clock safety.Clock) (*safety.UndoCache, layout.Layout) {
	t.Helper()
	l := layout.At(t.TempDir())
	seedBase(t, l)
	cache := safety.NewUndoCache(l, settings, clock, testutil.NewStubIDGenerator(), safety.NewNopLogger())
	return cache, l
}

func TestUndoCache_RoundTrip(t *testing.T) {
	settings := testutil.PermissiveSettings()
	clock := testutil.FixedClock()
	cache, l := newUndoCache(t, settings, clock)

	file := filepath.Join(l.StudyDir("Gait01"), "P01", layout.OriginalFilesDir, "trial1.txt")
	dir := filepath.Join(l.StudyDir("Gait01"), "P02")
	testutil.WriteFile(t, filepath.Join(dir, layout.OriginalFilesDir, "trial2.txt"), "second participant")

	if err := cache.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := cache.Stage(dir, "participant"); err != nil {
		t.Fatalf("Stage(dir) error = %v", err)
	}
	if err := cache.Stage(file, "trial"); err != nil {
		t.Fatalf("Stage(file) error = %v", err)
	}

	// The destructive batch: mutate the database, remove the originals.
	testutil.WriteFile(t, l.DatabasePath(), "catalog-after-delete")
	if err := os.Remove(file); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}

	if !cache.CanUndo() {
		t.Fatal("CanUndo() = false before replay, want true")
	}
	if err := cache.Replay(); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if got := testutil.ReadFile(t, l.DatabasePath()); got != "catalog-v1" {
		t.Errorf("database = %q, want pre-deletion snapshot", got)
	}
	if got := testutil.ReadFile(t, file); got != "raw trial data" {
		t.Errorf("restored trial = %q, want original content", got)
	}
	if got := testutil.ReadFile(t, filepath.Join(dir, layout.OriginalFilesDir, "trial2.txt")); got != "second participant" {
		t.Errorf("restored participant file = %q, want original content", got)
	}
	if cache.CanUndo() {
		t.Errorf("CanUndo() = true after full replay, want false")
	}
}

func TestUndoCache_SingleSlot(t *testing.T) {
	settings := testutil.PermissiveSettings()
	cache, l := newUndoCache(t, settings, testutil.FixedClock())

	first := filepath.Join(l.StudyDir("Gait01"), "P01", layout.OriginalFilesDir, "trial1.txt")
	if err := cache.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := cache.Stage(first, "trial"); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	entriesBefore, err := os.ReadDir(l.UndoCacheDir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}

	// Starting a new batch discards the previous package entirely.
	if err := cache.Prepare(); err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}

	entriesAfter, err := os.ReadDir(l.UndoCacheDir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, old := range entriesBefore {
		if old.Name() == "undo_info.json" {
			continue
		}
		for _, cur := range entriesAfter {
			if old.Name() == cur.Name() {
				t.Errorf("stale cache entry %s survived the second Prepare", old.Name())
			}
		}
	}
	// Only the fresh database snapshot and the info file remain.
	if len(entriesAfter) != 2 {
		t.Errorf("cache holds %d entries after re-prepare, want 2", len(entriesAfter))
	}
}

func TestUndoCache_PartialReplayKeepsCache(t *testing.T) {
	settings := testutil.PermissiveSettings()
	cache, l := newUndoCache(t, settings, testutil.FixedClock())

	file := filepath.Join(l.StudyDir("Gait01"), "P01", layout.OriginalFilesDir, "trial1.txt")
	if err := cache.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := cache.Stage(file, "trial"); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	// The original path exists again: something recreated it after the
	// deletion. Replay must skip it and keep the cache.
	testutil.WriteFile(t, file, "recreated")

	err := cache.Replay()
	if !errors.Is(err, safety.ErrPartialUndo) {
		t.Fatalf("Replay() error = %v, want ErrPartialUndo", err)
	}
	if got := testutil.ReadFile(t, file); got != "recreated" {
		t.Errorf("recreated file was overwritten: %q", got)
	}
	if !testutil.Exists(l.UndoInfoPath()) {
		t.Errorf("cache was cleared despite partial failure")
	}
}

func TestUndoCache_Expiry(t *testing.T) {
	t.Run("stale package is cleared at startup", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.UndoExpiry = time.Second
		clock := testutil.FixedClock()
		cache, l := newUndoCache(t, settings, clock)

		if err := cache.Prepare(); err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}

		clock.Advance(2 * time.Second)
		if err := cache.CheckAndClearIfExpired(); err != nil {
			t.Fatalf("CheckAndClearIfExpired() error = %v", err)
		}

		if cache.CanUndo() {
			t.Errorf("CanUndo() = true after expiry, want false")
		}
		entries, err := os.ReadDir(l.UndoCacheDir())
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("cache directory holds %d entries after expiry, want 0", len(entries))
		}
	})

	t.Run("zero timeout disables the check", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.UndoExpiry = 0
		clock := testutil.FixedClock()
		cache, _ := newUndoCache(t, settings, clock)

		if err := cache.Prepare(); err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		clock.Advance(1000 * time.Hour)
		if err := cache.CheckAndClearIfExpired(); err != nil {
			t.Fatalf("CheckAndClearIfExpired() error = %v", err)
		}
		if !cache.CanUndo() {
			t.Errorf("CanUndo() = false, want true (expiry disabled)")
		}
	})
}

func TestUndoCache_Refusals(t *testing.T) {
	t.Run("disabled toggle makes everything a no-op", func(t *testing.T) {
		settings := testutil.PermissiveSettings()
		settings.UndoOn = false
		cache, _ := newUndoCache(t, settings, testutil.FixedClock())

		if cache.IsEnabled() {
			t.Error("IsEnabled() = true, want false")
		}
		if err := cache.Prepare(); !errors.Is(err, safety.ErrDisabled) {
			t.Errorf("Prepare() error = %v, want ErrDisabled", err)
		}
		if cache.CanUndo() {
			t.Error("CanUndo() = true, want false")
		}
		if err := cache.Replay(); !errors.Is(err, safety.ErrDisabled) {
			t.Errorf("Replay() error = %v, want ErrDisabled", err)
		}
	})

	t.Run("stage without prepare", func(t *testing.T) {
		cache, l := newUndoCache(t, testutil.PermissiveSettings(), testutil.FixedClock())
		err := cache.Stage(l.DatabasePath(), "file")
		if !errors.Is(err, safety.ErrNotPrepared) {
			t.Fatalf("Stage() error = %v, want ErrNotPrepared", err)
		}
	})

	t.Run("prepare without live database", func(t *testing.T) {
		l := layout.At(t.TempDir())
		cache := safety.NewUndoCache(l, testutil.PermissiveSettings(), testutil.FixedClock(),
			testutil.NewStubIDGenerator(), safety.NewNopLogger())
		if err := cache.Prepare(); err == nil {
			t.Fatal("Prepare() error = nil, want error (no live database)")
		}
	})

	t.Run("replay with empty cache", func(t *testing.T) {
		cache, _ := newUndoCache(t, testutil.PermissiveSettings(), testutil.FixedClock())
		if err := cache.Replay(); !errors.Is(err, safety.ErrNothingToUndo) {
			t.Fatalf("Replay() error = %v, want ErrNothingToUndo", err)
		}
	})
}
