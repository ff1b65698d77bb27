package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kineviz/internal/layout"
)

// UndoCache holds at most one pending undo package: a copy of the live
// database taken before a destructive batch, plus staged copies of every
// item the batch is about to delete. Replaying the package reverses the
// most recent batch; preparing a new one discards the previous package.
//
// The persisted undo_info.json is the single source of truth. Every public
// operation reloads it rather than trusting in-memory state, so the cache
// survives process restarts and never drifts from disk.
type UndoCache struct {
	layout   layout.Layout
	settings SettingsSource
	clock    Clock
	idgen    IDGenerator
	logger   Logger
}

// NewUndoCache creates the cache over the given layout.
func NewUndoCache(l layout.Layout, settings SettingsSource, clock Clock, idgen IDGenerator, logger Logger) *UndoCache {
	return &UndoCache{layout: l, settings: settings, clock: clock, idgen: idgen, logger: logger}
}

// undoItem records one staged copy and where it came from.
type undoItem struct {
	OriginalPath string `json:"original_path"`
	CachedPath   string `json:"cached_path"`
	ItemType     string `json:"item_type"`
	IsDir        bool   `json:"is_dir"`
}

// undoPackage is the persisted package metadata (undo_info.json).
type undoPackage struct {
	DBBackupInCachePath string     `json:"db_backup_in_cache_path"`
	CachedItems         []undoItem `json:"cached_items_info"`
	PreparedTimestamp   time.Time  `json:"prepared_timestamp"`
}

// IsEnabled reports the global undo toggle. When false every other method
// refuses with ErrDisabled.
func (u *UndoCache) IsEnabled() bool { return u.settings.UndoEnabled() }

// Prepare starts a new undo package for an imminent destructive batch. Any
// previous package is discarded first, unconditionally. The live database
// is copied into the cache; without it there is nothing to undo to, so a
// missing database fails the call.
func (u *UndoCache) Prepare() error {
	if !u.IsEnabled() {
		return ErrDisabled
	}

	if err := u.clear(true); err != nil {
		return fmt.Errorf("clearing previous undo package: %w", err)
	}

	dbPath := u.layout.DatabasePath()
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cannot prepare undo: live database does not exist")
		}
		return fmt.Errorf("stat live database: %w", err)
	}

	if err := os.MkdirAll(u.layout.UndoCacheDir(), 0755); err != nil {
		return fmt.Errorf("creating undo cache directory: %w", err)
	}

	snapshot := filepath.Join(u.layout.UndoCacheDir(), u.cacheName(filepath.Base(dbPath)))
	if err := copyFile(dbPath, snapshot); err != nil {
		return fmt.Errorf("snapshotting database for undo: %w", err)
	}

	pkg := &undoPackage{
		DBBackupInCachePath: snapshot,
		PreparedTimestamp:   u.clock.Now(),
	}
	if err := u.save(pkg); err != nil {
		return err
	}
	u.logger.Info("undo package prepared", "db_snapshot", snapshot)
	return nil
}

// Stage copies one doomed item into the cache before its deletion. It must
// follow a successful Prepare in the same operation; the package metadata
// is re-persisted after every call so a crash mid-batch leaves the most
// current possible recovery state.
func (u *UndoCache) Stage(originalPath, itemType string) error {
	if !u.IsEnabled() {
		return ErrDisabled
	}

	pkg, err := u.load()
	if err != nil {
		return err
	}
	if pkg == nil || pkg.DBBackupInCachePath == "" {
		return ErrNotPrepared
	}
	if _, err := os.Stat(pkg.DBBackupInCachePath); err != nil {
		return ErrNotPrepared
	}

	info, err := os.Stat(originalPath)
	if err != nil {
		return fmt.Errorf("item to stage does not exist: %s: %w", originalPath, err)
	}

	cached := filepath.Join(u.layout.UndoCacheDir(), u.cacheName(filepath.Base(originalPath)))
	if info.IsDir() {
		err = copyTree(originalPath, cached)
	} else {
		err = copyFile(originalPath, cached)
	}
	if err != nil {
		return fmt.Errorf("staging %s: %w", originalPath, err)
	}

	pkg.CachedItems = append(pkg.CachedItems, undoItem{
		OriginalPath: originalPath,
		CachedPath:   cached,
		ItemType:     itemType,
		IsDir:        info.IsDir(),
	})
	if err := u.save(pkg); err != nil {
		return err
	}
	u.logger.Debug("item staged for undo", "path", originalPath, "type", itemType)
	return nil
}

// CanUndo reports whether a replayable package exists: persisted metadata
// plus the database snapshot it references. Staged items are only checked
// lazily during Replay.
func (u *UndoCache) CanUndo() bool {
	if !u.IsEnabled() {
		return false
	}
	pkg, err := u.load()
	if err != nil || pkg == nil || pkg.DBBackupInCachePath == "" {
		return false
	}
	_, err = os.Stat(pkg.DBBackupInCachePath)
	return err == nil
}

// Replay reverses the most recent destructive batch: the database snapshot
// overwrites the live database unconditionally, then every staged item
// moves back to its original path in reverse staging order, so a child
// staged after its parent directory is restored after the parent arrives.
//
// An item whose original path already exists again is skipped with a
// warning. On any skip or failure, Replay returns ErrPartialUndo and keeps
// the cache so the remaining staged items can be inspected manually; only a
// clean replay clears it.
func (u *UndoCache) Replay() error {
	if !u.IsEnabled() {
		return ErrDisabled
	}

	pkg, err := u.load()
	if err != nil {
		return err
	}
	if pkg == nil {
		return ErrNothingToUndo
	}
	if pkg.DBBackupInCachePath == "" {
		return ErrNothingToUndo
	}
	if _, err := os.Stat(pkg.DBBackupInCachePath); err != nil {
		u.logger.Error("undo database snapshot is gone", "path", pkg.DBBackupInCachePath)
		return ErrNothingToUndo
	}

	if err := copyFile(pkg.DBBackupInCachePath, u.layout.DatabasePath()); err != nil {
		return fmt.Errorf("restoring database from undo snapshot: %w", err)
	}

	hadErrors := false
	for i := len(pkg.CachedItems) - 1; i >= 0; i-- {
		item := pkg.CachedItems[i]

		if _, err := os.Stat(item.OriginalPath); err == nil {
			u.logger.Warn("original path exists again, skipping undo item",
				"path", item.OriginalPath)
			hadErrors = true
			continue
		}
		if err := os.MkdirAll(filepath.Dir(item.OriginalPath), 0755); err != nil {
			u.logger.Error("cannot recreate parent for undo item",
				"path", item.OriginalPath, "error", err)
			hadErrors = true
			continue
		}
		if err := movePath(item.CachedPath, item.OriginalPath); err != nil {
			u.logger.Error("cannot move undo item back",
				"cached", item.CachedPath, "path", item.OriginalPath, "error", err)
			hadErrors = true
			continue
		}
		u.logger.Info("undo item restored", "path", item.OriginalPath)
	}

	if hadErrors {
		// Keep the cache: remaining staged copies stay inspectable.
		return ErrPartialUndo
	}

	if err := u.clear(true); err != nil {
		return fmt.Errorf("clearing undo cache after replay: %w", err)
	}
	u.logger.Info("undo replayed", "items", len(pkg.CachedItems))
	return nil
}

// Clear discards the pending package and every staged copy.
func (u *UndoCache) Clear() error {
	if err := u.clear(false); err != nil {
		return err
	}
	return nil
}

func (u *UndoCache) clear(quiet bool) error {
	dir := u.layout.UndoCacheDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading undo cache: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("removing cached item %s: %w", e.Name(), err)
		}
	}
	if !quiet {
		u.logger.Info("undo cache cleared")
	}
	return nil
}

// CheckAndClearIfExpired drops a stale package at startup. A non-positive
// configured timeout disables the check; the cache is then only ever
// cleared by the next Prepare.
func (u *UndoCache) CheckAndClearIfExpired() error {
	timeout := u.settings.UndoTimeout()
	if timeout <= 0 {
		return nil
	}

	pkg, err := u.load()
	if err != nil || pkg == nil {
		return err
	}

	age := u.clock.Now().Sub(pkg.PreparedTimestamp)
	if age <= timeout {
		return nil
	}
	u.logger.Info("undo package expired, clearing", "age", age, "timeout", timeout)
	return u.clear(true)
}

// load reads the persisted package; (nil, nil) when none exists.
func (u *UndoCache) load() (*undoPackage, error) {
	data, err := os.ReadFile(u.layout.UndoInfoPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading undo package: %w", err)
	}
	var pkg undoPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parsing undo package: %w", err)
	}
	return &pkg, nil
}

func (u *UndoCache) save(pkg *undoPackage) error {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding undo package: %w", err)
	}
	if err := os.WriteFile(u.layout.UndoInfoPath(), data, 0644); err != nil {
		return fmt.Errorf("writing undo package: %w", err)
	}
	return nil
}

// cacheName builds a collision-free name for a cached copy: the original
// name, a microsecond timestamp and a short random suffix, with the
// original extension preserved for files.
func (u *UndoCache) cacheName(base string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	ts := u.clock.Now().Format("20060102_150405.000000")
	ts = strings.ReplaceAll(ts, ".", "_")
	id := u.idgen.New()
	if len(id) > 8 {
		id = id[:8]
	}
	return stem + "_" + ts + "_" + id + ext
}
