// Package app is the layer between the CLI and the safety core. It
// resolves the layout, loads settings, wires the components and applies
// the startup recovery hooks.
package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"kineviz/internal/config"
	"kineviz/internal/database"
	"kineviz/internal/layout"
	"kineviz/internal/safety"
	"kineviz/internal/study"
)

// App is a fully wired application instance for one CLI invocation.
// The caller must call Close when done.
type App struct {
	Layout   layout.Layout
	Settings *config.Settings
	Store    *safety.BackupStore
	Restorer *safety.RestoreEngine
	Undo     *safety.UndoCache

	logger  safety.Logger
	logFile *os.File
	repo    *database.StudyRepository

	// TestMode suppresses automatic and pre-restore snapshots.
	TestMode bool
}

// Open wires an App for the named CLI operation. It fails when the base
// directory was never initialized (no settings file).
func Open(operation string) (*App, error) {
	l, err := layout.Resolve()
	if err != nil {
		return nil, err
	}

	settings, err := config.ReadFromFile(l.SettingsPath())
	if err != nil {
		return nil, fmt.Errorf("no usable settings at %s (run 'kineviz init'): %w", l.SettingsPath(), err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings at %s: %w", l.SettingsPath(), err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	slogger, logFile, err := newLogger(l.LogDir(), opID)
	if err != nil {
		return nil, err
	}
	logger := &slogAdapter{l: slogger}

	clock := safety.RealClock{}
	store, err := safety.NewBackupStore(l, settings, clock, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	a := &App{
		Layout:   l,
		Settings: settings,
		Store:    store,
		Restorer: safety.NewRestoreEngine(l, clock, logger),
		Undo:     safety.NewUndoCache(l, settings, clock, safety.UUIDGenerator{}, logger),
		logger:   logger,
		logFile:  logFile,
	}

	// Startup recovery: a stale undo package from a previous session must
	// not look actionable.
	if err := a.Undo.CheckAndClearIfExpired(); err != nil {
		logger.Warn("undo expiry check failed", "error", err)
	}

	return a, nil
}

// Init creates the base directory, default settings and an empty catalog.
func Init() (layout.Layout, error) {
	l, err := layout.Resolve()
	if err != nil {
		return layout.Layout{}, err
	}
	if err := os.MkdirAll(l.StudyTreeDir(), 0755); err != nil {
		return layout.Layout{}, fmt.Errorf("creating study tree: %w", err)
	}
	if err := config.Init(l.SettingsPath(), config.Default()); err != nil {
		return layout.Layout{}, err
	}
	repo, err := database.Open(l.DatabasePath(), safety.UUIDGenerator{}, safety.RealClock{})
	if err != nil {
		return layout.Layout{}, err
	}
	repo.Close()
	return l, nil
}

// Logger exposes the invocation logger.
func (a *App) Logger() safety.Logger { return a.logger }

// Studies opens the catalog (once) and returns the deletion orchestrator.
// Commands that swap the database file (restore, undo) must not call this.
func (a *App) Studies() (*study.Service, error) {
	if a.repo == nil {
		repo, err := database.Open(a.Layout.DatabasePath(), safety.UUIDGenerator{}, safety.RealClock{})
		if err != nil {
			return nil, err
		}
		a.repo = repo
	}
	return study.NewService(a.Layout, a.repo, a.Store, a.Undo, a.logger, a.TestMode), nil
}

// Restore takes the pre-restore safety snapshot (best-effort) and then
// swaps in the named snapshot. The catalog must not be open in this
// process while the database file is replaced.
func (a *App) Restore(snapshotPath string) error {
	if a.repo != nil {
		return fmt.Errorf("catalog is open; restore must run in a fresh invocation")
	}

	if _, err := a.Store.Create(safety.CategoryPreRestore, a.TestMode); err != nil {
		switch {
		case errors.Is(err, safety.ErrDisabled),
			errors.Is(err, safety.ErrCooldownActive),
			errors.Is(err, safety.ErrLockHeld),
			errors.Is(err, safety.ErrTestMode),
			errors.Is(err, safety.ErrSnapshotExists):
			a.logger.Info("pre-restore backup skipped", "reason", err)
		default:
			a.logger.Warn("pre-restore backup failed", "error", err)
		}
	}

	return a.Restorer.Restore(snapshotPath)
}

// FindSnapshot resolves a snapshot by filename or alias across categories.
func (a *App) FindSnapshot(ref string) (*safety.Snapshot, error) {
	snaps, err := a.Store.List()
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].Filename == ref || (snaps[i].Alias != "" && snaps[i].Alias == ref) {
			return &snaps[i], nil
		}
	}
	return nil, safety.ErrSnapshotNotFound
}

// Close releases the catalog and the log file.
func (a *App) Close() error {
	var firstErr error
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			firstErr = fmt.Errorf("closing catalog: %w", err)
		}
		a.repo = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return firstErr
}
