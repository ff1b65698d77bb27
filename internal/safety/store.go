package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"kineviz/internal/layout"
)

// BackupStore creates, lists and prunes timestamped zip snapshots in three
// independent categories. Cooldown state is held on the instance, driven by
// the injected clock, so independent stores never share hidden state.
type BackupStore struct {
	layout   layout.Layout
	settings SettingsSource
	aliases  *aliasTable
	clock    Clock
	logger   Logger

	// lastCompleted tracks the end time of the most recent successful
	// creation per category within this process. It is deliberately not
	// persisted: a fresh launch may always take an immediate backup.
	lastCompleted map[Category]time.Time
}

// NewBackupStore opens the store rooted at the given layout, creating the
// category directories and loading the alias table.
func NewBackupStore(l layout.Layout, settings SettingsSource, clock Clock, logger Logger) (*BackupStore, error) {
	for _, c := range Categories {
		if err := os.MkdirAll(l.CategoryDir(string(c)), 0755); err != nil {
			return nil, fmt.Errorf("creating backup directory for %s: %w", c, err)
		}
	}

	aliases, err := loadAliasTable(l.AliasPath())
	if err != nil {
		return nil, err
	}

	return &BackupStore{
		layout:        l,
		settings:      settings,
		aliases:       aliases,
		clock:         clock,
		logger:        logger,
		lastCompleted: make(map[Category]time.Time),
	}, nil
}

// Create takes a full snapshot in the given category and returns its path.
//
// Refusals (policy disabled, manual limit reached, lock held, cooldown
// active, test mode, same-second name collision) come back as the sentinel
// errors in errors.go; anything else is an I/O failure.
//
// Manual creations never evict: when the category is full the caller must
// delete a snapshot first. Automatic and pre-restore creations evict the
// oldest snapshots so the category ends up at max_count, and are skipped
// entirely in test mode so tests stay deterministic.
func (s *BackupStore) Create(category Category, testMode bool) (string, error) {
	if !category.Valid() {
		return "", fmt.Errorf("unknown backup category: %s", category)
	}

	policy := s.settings.Policy(category)
	if !policy.Enabled {
		s.logger.Info("backup disabled, refusing", "category", category)
		return "", ErrDisabled
	}

	if category == CategoryManual {
		return s.createManual(policy)
	}
	return s.createLocked(category, policy, testMode)
}

func (s *BackupStore) createManual(policy Policy) (string, error) {
	existing, err := s.categorySnapshots(CategoryManual)
	if err != nil {
		return "", err
	}
	if policy.MaxCount <= 0 || len(existing) >= policy.MaxCount {
		s.logger.Info("manual backup limit reached, refusing",
			"count", len(existing), "max", policy.MaxCount)
		return "", ErrLimitReached
	}
	return s.writeSnapshot(CategoryManual)
}

func (s *BackupStore) createLocked(category Category, policy Policy, testMode bool) (string, error) {
	if testMode {
		s.logger.Debug("skipping backup in test mode", "category", category)
		return "", ErrTestMode
	}

	lock, err := acquireLock(filepath.Join(s.layout.CategoryDir(string(category)), category.lockFileName()))
	if err != nil {
		if err == ErrLockHeld {
			s.logger.Warn("backup already in progress, refusing", "category", category)
		}
		return "", err
	}
	defer lock.Release()

	if policy.Cooldown > 0 {
		if last, ok := s.lastCompleted[category]; ok {
			elapsed := s.clock.Now().Sub(last)
			if elapsed < policy.Cooldown {
				s.logger.Info("backup cooldown active, refusing",
					"category", category, "elapsed", elapsed, "cooldown", policy.Cooldown)
				return "", ErrCooldownActive
			}
		}
	}

	if err := s.evict(category, policy.MaxCount); err != nil {
		return "", fmt.Errorf("pruning %s backups: %w", category, err)
	}

	path, err := s.writeSnapshot(category)
	if err != nil {
		return "", err
	}
	s.lastCompleted[category] = s.clock.Now()
	return path, nil
}

// evict removes the oldest snapshots so that after one more creation the
// category holds exactly maxCount. With maxCount zero every existing
// snapshot goes. Evicted pre-restore snapshots lose their aliases too.
func (s *BackupStore) evict(category Category, maxCount int) error {
	existing, err := s.categorySnapshots(category)
	if err != nil {
		return err
	}

	var doomed []Snapshot
	switch {
	case maxCount <= 0:
		doomed = existing
	case len(existing) >= maxCount:
		doomed = existing[:len(existing)-maxCount+1]
	}

	for _, snap := range doomed {
		if err := os.Remove(snap.Path); err != nil {
			return fmt.Errorf("removing %s: %w", snap.Path, err)
		}
		s.logger.Info("evicted old backup", "category", category, "filename", snap.Filename)
		if category == CategoryPreRestore {
			if _, err := s.aliases.remove(category, snap.Filename); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BackupStore) writeSnapshot(category Category) (string, error) {
	filename := FormatSnapshotName(s.clock.Now())
	path := filepath.Join(s.layout.CategoryDir(string(category)), filename)

	// Second-resolution names can collide when two creations land in the
	// same wall-clock second. Refuse instead of overwriting the first.
	if _, err := os.Stat(path); err == nil {
		s.logger.Warn("snapshot name collision, refusing", "path", path)
		return "", ErrSnapshotExists
	}

	if err := buildSnapshot(s.layout, path, s.logger); err != nil {
		return "", err
	}
	s.logger.Info("backup created", "category", category, "path", path)
	return path, nil
}

// List returns all snapshots across the three categories, newest first,
// with aliases attached. Files that do not match the snapshot naming
// pattern are skipped with a warning.
func (s *BackupStore) List() ([]Snapshot, error) {
	var all []Snapshot
	for _, c := range Categories {
		snaps, err := s.categorySnapshots(c)
		if err != nil {
			return nil, err
		}
		all = append(all, snaps...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// categorySnapshots lists one category's snapshots sorted oldest first.
func (s *BackupStore) categorySnapshots(c Category) ([]Snapshot, error) {
	dir := s.layout.CategoryDir(string(c))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			// lock files and other markers
			continue
		}
		created, ok := ParseSnapshotName(name)
		if !ok {
			s.logger.Warn("ignoring unrecognized file in backup directory",
				"category", c, "filename", name)
			continue
		}
		snaps = append(snaps, Snapshot{
			Category:  c,
			Filename:  name,
			Path:      filepath.Join(dir, name),
			Alias:     s.aliases.get(c, name),
			CreatedAt: created,
		})
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Filename < snaps[j].Filename })
	return snaps, nil
}

// AddAlias attaches a human-readable label to a snapshot. The filename must
// match the snapshot naming pattern and the alias must be non-blank.
func (s *BackupStore) AddAlias(category Category, filename, alias string) error {
	if !category.Valid() {
		return fmt.Errorf("unknown backup category: %s", category)
	}
	if _, ok := ParseSnapshotName(filename); !ok {
		return fmt.Errorf("not a snapshot filename: %s", filename)
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return fmt.Errorf("alias must not be blank")
	}
	return s.aliases.set(category, filename, alias)
}

// RemoveAlias deletes a snapshot's label. Returns ErrAliasNotFound when no
// alias is recorded under that key.
func (s *BackupStore) RemoveAlias(category Category, filename string) error {
	removed, err := s.aliases.remove(category, filename)
	if err != nil {
		return err
	}
	if !removed {
		return ErrAliasNotFound
	}
	return nil
}

// Delete removes a snapshot zip and its alias entry. Only manual snapshots
// are deleted on user request; the other categories prune themselves during
// creation.
func (s *BackupStore) Delete(category Category, filename string) error {
	if !category.Valid() {
		return fmt.Errorf("unknown backup category: %s", category)
	}
	path := filepath.Join(s.layout.CategoryDir(string(category)), filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if _, err := s.aliases.remove(category, filename); err != nil {
		return err
	}
	s.logger.Info("backup deleted", "category", category, "filename", filename)
	return nil
}

// CleanupResidualArtifacts removes leftovers from interrupted operations:
// *.bak rollback artifacts and temp_restore_* staging directories in the
// base directory, and stale category lock files. Best-effort per item.
func (s *BackupStore) CleanupResidualArtifacts() (deleted, failed int) {
	remove := func(path string) {
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("cannot remove residual artifact", "path", path, "error", err)
			failed++
			return
		}
		s.logger.Info("removed residual artifact", "path", path)
		deleted++
	}

	for _, pattern := range []string{"*.bak", "temp_restore_*"} {
		matches, err := filepath.Glob(filepath.Join(s.layout.BaseDir(), pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			remove(m)
		}
	}

	for _, c := range Categories {
		name := c.lockFileName()
		if name == "" {
			continue
		}
		lockPath := filepath.Join(s.layout.CategoryDir(string(c)), name)
		if _, err := os.Stat(lockPath); err == nil {
			remove(lockPath)
		}
	}
	return deleted, failed
}
