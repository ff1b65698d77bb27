// Package layout resolves the application base directory and the canonical
// locations of everything the data-safety core touches: the live database,
// the live settings file, the study tree, and the backup/undo staging areas.
//
// All path knowledge lives here so that BackupStore, RestoreEngine and
// UndoCache agree on a single directory scheme and interrupted operations
// can be recognized on the next run.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// EnvHome overrides the resolved base directory when set.
	EnvHome = "KINEVIZ_HOME"

	// portableMarker next to the executable means "run out of the
	// executable's own directory" (packaged/portable installs).
	portableMarker = "portable.flag"

	databaseFile = "kineviz.db"
	settingsFile = "config.toml"
	studyTree    = "estudios"
	backupsDir   = "backups"
	aliasFile    = "backup_aliases.json"
	undoCacheDir = ".undo_cache"
	undoInfoFile = "undo_info.json"
	logDir       = "log"

	// DiscreteResultsDir holds per-study discrete analysis output
	// (tables at the top level, charts and configs in subtrees).
	DiscreteResultsDir = "analisis_discreto"
	// ContinuousResultsDir holds per-study continuous (SPM) analysis output.
	ContinuousResultsDir = "analisis_continuo"
	// OriginalFilesDir is the per-participant folder holding raw trial files.
	OriginalFilesDir = "OG"
	// ChartsDir and ConfigDir are the discrete-analysis subtrees that are
	// archived recursively.
	ChartsDir = "graficos"
	ConfigDir = "configuracion"
)

// Layout is the resolved directory scheme rooted at one base directory.
// It is a pure value: constructing one performs no filesystem writes.
type Layout struct {
	baseDir string
}

// Resolve determines the application base directory.
//
// Order: the KINEVIZ_HOME environment variable; the executable's own
// directory when a portable.flag marker sits beside the binary; otherwise
// ~/.local/share/kineviz.
func Resolve() (Layout, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return Layout{}, fmt.Errorf("resolving %s: %w", EnvHome, err)
		}
		return Layout{baseDir: abs}, nil
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		if _, err := os.Stat(filepath.Join(exeDir, portableMarker)); err == nil {
			return Layout{baseDir: exeDir}, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	return Layout{baseDir: filepath.Join(home, ".local", "share", "kineviz")}, nil
}

// At returns a Layout rooted at an explicit base directory. Used by tests
// and by commands that operate on a directory other than the default.
func At(baseDir string) Layout {
	return Layout{baseDir: baseDir}
}

// BaseDir returns the application base directory.
func (l Layout) BaseDir() string { return l.baseDir }

// DatabasePath is the live study catalog (a single sqlite file; the safety
// core copies and swaps it without interpreting its contents).
func (l Layout) DatabasePath() string { return filepath.Join(l.baseDir, databaseFile) }

// SettingsPath is the live settings file.
func (l Layout) SettingsPath() string { return filepath.Join(l.baseDir, settingsFile) }

// StudyTreeDir is the root of the per-study data tree.
func (l Layout) StudyTreeDir() string { return filepath.Join(l.baseDir, studyTree) }

// StudyDir is the directory of one named study.
func (l Layout) StudyDir(study string) string {
	return filepath.Join(l.StudyTreeDir(), study)
}

// BackupsDir is the parent of all snapshot categories.
func (l Layout) BackupsDir() string { return filepath.Join(l.baseDir, backupsDir) }

// CategoryDir is the snapshot directory for one category subdirectory name.
func (l Layout) CategoryDir(sub string) string {
	return filepath.Join(l.BackupsDir(), sub)
}

// AliasPath is the JSON alias map shared by all categories.
func (l Layout) AliasPath() string { return filepath.Join(l.BackupsDir(), aliasFile) }

// UndoCacheDir holds the single pending undo package and its staged items.
func (l Layout) UndoCacheDir() string {
	return filepath.Join(l.BackupsDir(), undoCacheDir)
}

// UndoInfoPath is the persisted undo package metadata.
func (l Layout) UndoInfoPath() string {
	return filepath.Join(l.UndoCacheDir(), undoInfoFile)
}

// LogDir holds the application log.
func (l Layout) LogDir() string { return filepath.Join(l.baseDir, logDir) }

// TempRestoreDir names a transient extraction directory for a restore
// started at t. It lives inside the base directory so that it is visible
// and cleanable if the process dies mid-extraction.
func (l Layout) TempRestoreDir(t time.Time) string {
	return filepath.Join(l.baseDir, "temp_restore_"+t.Format("20060102150405"))
}

// RollbackPath names the .bak artifact a live item is parked at during a
// restore swap. livePath must be directly inside the base directory.
func (l Layout) RollbackPath(livePath string, t time.Time) string {
	return livePath + "." + t.Format("20060102150405") + ".bak"
}
