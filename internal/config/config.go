package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"kineviz/internal/safety"
)

// Settings is the application configuration persisted as the live settings
// file (config.toml) inside the base directory. The safety core copies and
// restores this file opaquely, and also reads its own toggles from it.
type Settings struct {
	Backup BackupSettings `toml:"backup"`
	Undo   UndoSettings   `toml:"undo"`
}

// BackupSettings holds one retention policy per snapshot category.
type BackupSettings struct {
	Manual     ManualPolicy     `toml:"manual"`
	Automatic  ScheduledPolicy  `toml:"automatic"`
	PreRestore PreRestorePolicy `toml:"prerestore"`
}

// ManualPolicy governs user-initiated snapshots. Manual backups have no
// cooldown: they are assumed low-frequency and never triggered in the
// background.
type ManualPolicy struct {
	Enabled  bool `toml:"enabled"`
	MaxCount int  `toml:"max_count"`
}

// ScheduledPolicy governs automatic snapshots taken before destructive
// operations.
type ScheduledPolicy struct {
	Enabled         bool `toml:"enabled"`
	MaxCount        int  `toml:"max_count"`
	CooldownSeconds int  `toml:"cooldown_seconds"`
}

// PreRestorePolicy governs the safety snapshot taken immediately before a
// restore. MaxCount must stay at 1 or above: a restore should never run
// without keeping at least one pre-restore snapshot around.
type PreRestorePolicy struct {
	Enabled         bool `toml:"enabled"`
	MaxCount        int  `toml:"max_count"`
	CooldownSeconds int  `toml:"cooldown_seconds"`
}

// UndoSettings governs the single-slot undo cache.
type UndoSettings struct {
	Enabled bool `toml:"enabled"`
	// TimeoutSeconds bounds how long a pending undo package survives across
	// sessions. Zero or negative disables the startup expiry check.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Default returns the settings a fresh installation starts with.
func Default() *Settings {
	return &Settings{
		Backup: BackupSettings{
			Manual:     ManualPolicy{Enabled: true, MaxCount: 10},
			Automatic:  ScheduledPolicy{Enabled: true, MaxCount: 5, CooldownSeconds: 60},
			PreRestore: PreRestorePolicy{Enabled: true, MaxCount: 3, CooldownSeconds: 10},
		},
		Undo: UndoSettings{Enabled: true, TimeoutSeconds: 24 * 60 * 60},
	}
}

// Validate checks the per-category constraints: automatic and manual need a
// positive max_count when enabled, pre-restore needs max_count >= 1 always,
// and cooldowns may not be negative.
func (s *Settings) Validate() error {
	if s.Backup.Manual.Enabled && s.Backup.Manual.MaxCount <= 0 {
		return fmt.Errorf("backup.manual.max_count must be positive when enabled")
	}
	if s.Backup.Automatic.Enabled && s.Backup.Automatic.MaxCount <= 0 {
		return fmt.Errorf("backup.automatic.max_count must be positive when enabled")
	}
	if s.Backup.PreRestore.MaxCount < 1 {
		return fmt.Errorf("backup.prerestore.max_count must be at least 1")
	}
	if s.Backup.Automatic.CooldownSeconds < 0 {
		return fmt.Errorf("backup.automatic.cooldown_seconds may not be negative")
	}
	if s.Backup.PreRestore.CooldownSeconds < 0 {
		return fmt.Errorf("backup.prerestore.cooldown_seconds may not be negative")
	}
	return nil
}

// Policy adapts the per-category sections to the safety core's view.
func (s *Settings) Policy(category safety.Category) safety.Policy {
	switch category {
	case safety.CategoryManual:
		return safety.Policy{
			Enabled:  s.Backup.Manual.Enabled,
			MaxCount: s.Backup.Manual.MaxCount,
		}
	case safety.CategoryAutomatic:
		return safety.Policy{
			Enabled:  s.Backup.Automatic.Enabled,
			MaxCount: s.Backup.Automatic.MaxCount,
			Cooldown: time.Duration(s.Backup.Automatic.CooldownSeconds) * time.Second,
		}
	case safety.CategoryPreRestore:
		return safety.Policy{
			Enabled:  s.Backup.PreRestore.Enabled,
			MaxCount: s.Backup.PreRestore.MaxCount,
			Cooldown: time.Duration(s.Backup.PreRestore.CooldownSeconds) * time.Second,
		}
	}
	return safety.Policy{}
}

// UndoEnabled reports whether the undo cache is active.
func (s *Settings) UndoEnabled() bool { return s.Undo.Enabled }

// UndoTimeout returns the undo package lifetime; zero disables expiry.
func (s *Settings) UndoTimeout() time.Duration {
	if s.Undo.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.Undo.TimeoutSeconds) * time.Second
}

// Manager handles reading and writing settings.
type Manager struct{}

// Read decodes Settings from the provided reader.
func (m *Manager) Read(r io.Reader) (*Settings, error) {
	var s Settings
	if _, err := toml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &s, nil
}

// Write encodes Settings to the provided writer.
func (m *Manager) Write(w io.Writer, s *Settings) error {
	if err := toml.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return nil
}

// ReadFromFile reads Settings from the specified file path.
func ReadFromFile(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	s, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading settings from %s: %w", path, err)
	}
	return s, nil
}

// writeToFile writes Settings to the specified file path.
func writeToFile(path string, s *Settings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, s); err != nil {
		return fmt.Errorf("writing settings to %s: %w", path, err)
	}
	return nil
}

// Init creates a new settings file at the specified path. It refuses to
// overwrite an existing one.
func Init(path string, s *Settings) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("settings file already exists at %s", path)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := writeToFile(path, s); err != nil {
		return fmt.Errorf("initializing settings: %w", err)
	}
	return nil
}
