package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kineviz/internal/layout"
)

// RestoreEngine swaps the live database, settings file and study tree with
// the contents of a snapshot.
//
// The protocol stages the incoming state completely (full extraction into a
// temp_restore_<ts> directory inside the base dir) before touching anything
// live, then performs the minimal rename sequence: park live items as
// <name>.<ts>.bak, move the staged items in, and delete the .bak artifacts
// only once every move succeeded. A failure mid-swap triggers a best-effort
// rollback: replacements this swap already installed are discarded (the
// snapshot zip still holds that state) and every parked item is moved back;
// a live location occupied by anything this swap did not install is left
// alone. Rollback failures leave .bak artifacts on disk for
// CleanupResidualArtifacts and manual recovery.
type RestoreEngine struct {
	layout layout.Layout
	clock  Clock
	logger Logger

	// moveIn overrides the move of a staged item into its live location.
	// Tests inject failures through it; nil means movePath.
	moveIn func(src, dst string) error
}

// NewRestoreEngine creates an engine over the given layout.
func NewRestoreEngine(l layout.Layout, clock Clock, logger Logger) *RestoreEngine {
	return &RestoreEngine{layout: l, clock: clock, logger: logger}
}

// restoreItem is one of the three live locations a restore swaps.
type restoreItem struct {
	name     string // base-relative name, also the path inside the archive
	livePath string
	wantDir  bool
}

func (e *RestoreEngine) items() []restoreItem {
	base := e.layout.BaseDir()
	rel := func(p string) string {
		r, err := filepath.Rel(base, p)
		if err != nil {
			return p
		}
		return r
	}
	return []restoreItem{
		{name: rel(e.layout.DatabasePath()), livePath: e.layout.DatabasePath()},
		{name: rel(e.layout.SettingsPath()), livePath: e.layout.SettingsPath()},
		{name: rel(e.layout.StudyTreeDir()), livePath: e.layout.StudyTreeDir(), wantDir: true},
	}
}

// Restore replaces the live state with the snapshot at snapshotPath.
// Returns ErrSnapshotNotFound when the file does not exist. Taking a
// pre-restore safety snapshot first is the caller's job; the engine is
// mechanism, not policy.
func (e *RestoreEngine) Restore(snapshotPath string) error {
	if _, err := os.Stat(snapshotPath); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("stat snapshot: %w", err)
	}

	now := e.clock.Now()
	tempDir := e.layout.TempRestoreDir(now)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("creating extraction directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractArchive(snapshotPath, tempDir); err != nil {
		return err
	}

	if err := e.swap(tempDir, now); err != nil {
		return err
	}

	e.logger.Info("restore committed", "snapshot", snapshotPath)
	return nil
}

func (e *RestoreEngine) swap(tempDir string, now time.Time) error {
	items := e.items()

	type parked struct {
		livePath string
		bakPath  string
	}
	var parkedItems []parked
	installed := make(map[string]bool)

	rollback := func() {
		for _, p := range parkedItems {
			if _, err := os.Stat(p.bakPath); err != nil {
				continue
			}
			if _, err := os.Stat(p.livePath); err == nil {
				if !installed[p.livePath] {
					// Something other than this swap occupies the live
					// location; overwriting it could destroy unknown state.
					e.logger.Error("rollback skipped, live path occupied",
						"live", p.livePath, "parked", p.bakPath)
					continue
				}
				// This swap installed the replacement; the snapshot zip
				// still holds that state, so it is safe to discard.
				if err := os.RemoveAll(p.livePath); err != nil {
					e.logger.Error("rollback cannot remove installed item",
						"live", p.livePath, "error", err)
					continue
				}
			}
			if err := movePath(p.bakPath, p.livePath); err != nil {
				e.logger.Error("rollback failed", "parked", p.bakPath, "error", err)
			} else {
				e.logger.Warn("rolled back", "live", p.livePath)
			}
		}
	}

	// Park every live item first so the swap is all renames from here on.
	for _, item := range items {
		if _, err := os.Stat(item.livePath); err != nil {
			continue
		}
		bak := e.layout.RollbackPath(item.livePath, now)
		if err := movePath(item.livePath, bak); err != nil {
			rollback()
			return fmt.Errorf("parking %s: %w", item.livePath, err)
		}
		parkedItems = append(parkedItems, parked{livePath: item.livePath, bakPath: bak})
	}

	moveIn := e.moveIn
	if moveIn == nil {
		moveIn = movePath
	}

	for _, item := range items {
		staged := filepath.Join(tempDir, filepath.FromSlash(item.name))
		info, err := os.Stat(staged)
		if err != nil {
			// Absent from the archive (an older snapshot); skip.
			e.logger.Warn("snapshot has no entry for item, keeping none", "item", item.name)
			continue
		}
		if item.wantDir && !info.IsDir() {
			// Malformed backup: the study tree came back as a plain file.
			e.logger.Error("snapshot entry has wrong type, skipping", "item", item.name)
			continue
		}
		if err := moveIn(staged, item.livePath); err != nil {
			rollback()
			return fmt.Errorf("installing %s: %w", item.name, err)
		}
		installed[item.livePath] = true
	}

	// An archive made before the study tree existed must not leave the
	// application without one.
	if err := os.MkdirAll(e.layout.StudyTreeDir(), 0755); err != nil {
		rollback()
		return fmt.Errorf("recreating study tree: %w", err)
	}

	// Commit: the swap is complete, the parked copies can go.
	for _, p := range parkedItems {
		if err := os.RemoveAll(p.bakPath); err != nil {
			e.logger.Warn("cannot remove rollback artifact", "path", p.bakPath, "error", err)
		}
	}
	return nil
}
