// Package safety implements the data-safety core: timestamped zip snapshots
// with per-category retention (BackupStore), the swap-with-rollback restore
// protocol (RestoreEngine), and the single-slot undo cache (UndoCache).
//
// The three components share one directory scheme (internal/layout) and one
// filename convention so that interrupted operations can be detected and
// cleaned up on the next run.
package safety

import (
	"regexp"
	"time"
)

// Category identifies a snapshot class. Its string value is also the
// subdirectory name under <base>/backups, which keeps alias keys and
// on-disk layout consistent.
type Category string

const (
	CategoryManual    Category = "manual"
	CategoryAutomatic Category = "automatic"
	// CategoryPreRestore holds the safety snapshots taken right before a
	// restore. The directory keeps its historical name.
	CategoryPreRestore Category = "respaldo"
)

// Categories lists all known categories in listing order.
var Categories = []Category{CategoryManual, CategoryAutomatic, CategoryPreRestore}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryManual, CategoryAutomatic, CategoryPreRestore:
		return true
	}
	return false
}

// lockFileName returns the in-flight marker filename for the category, or
// "" for manual backups, which take no lock: they are user-initiated and
// never triggered from a background path.
func (c Category) lockFileName() string {
	switch c {
	case CategoryAutomatic:
		return ".backup_in_progress.lock"
	case CategoryPreRestore:
		return ".pre_restore_backup.lock"
	}
	return ""
}

// Policy is the retention policy of one category, as read from settings.
// Cooldown is zero for manual backups.
type Policy struct {
	Enabled  bool
	MaxCount int
	Cooldown time.Duration
}

// SettingsSource is the read-only view of application settings the core
// consumes. The settings file itself is copied and restored opaquely.
type SettingsSource interface {
	Policy(category Category) Policy
	UndoEnabled() bool
	UndoTimeout() time.Duration
}

// Snapshot describes one backup zip. Snapshots are immutable once created;
// the embedded timestamp is both identity and sort key.
type Snapshot struct {
	Category  Category
	Filename  string
	Path      string
	Alias     string
	CreatedAt time.Time
}

const snapshotTimeFormat = "20060102_150405"

var snapshotNamePattern = regexp.MustCompile(`^backup_(\d{8}_\d{6})\.zip$`)

// FormatSnapshotName builds the canonical zip filename for a creation time.
// Second resolution: two creations in the same second map to the same name,
// which Create treats as a refusal rather than an overwrite.
func FormatSnapshotName(t time.Time) string {
	return "backup_" + t.Format(snapshotTimeFormat) + ".zip"
}

// ParseSnapshotName extracts the creation time from a snapshot filename.
// Returns false for anything that does not match backup_<YYYYMMDD_HHMMSS>.zip.
func ParseSnapshotName(name string) (time.Time, bool) {
	m := snapshotNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(snapshotTimeFormat, m[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
