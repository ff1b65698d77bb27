package testutil

import (
	"time"

	"kineviz/internal/safety"
)

// StubSettings is a mutable safety.SettingsSource for tests.
type StubSettings struct {
	Manual      safety.Policy
	Automatic   safety.Policy
	PreRestore  safety.Policy
	UndoOn      bool
	UndoExpiry  time.Duration
}

// PermissiveSettings enables everything with generous limits and no
// cooldowns, so tests opt in to the restriction they exercise.
func PermissiveSettings() *StubSettings {
	return &StubSettings{
		Manual:     safety.Policy{Enabled: true, MaxCount: 100},
		Automatic:  safety.Policy{Enabled: true, MaxCount: 100},
		PreRestore: safety.Policy{Enabled: true, MaxCount: 100},
		UndoOn:     true,
	}
}

func (s *StubSettings) Policy(c safety.Category) safety.Policy {
	switch c {
	case safety.CategoryManual:
		return s.Manual
	case safety.CategoryAutomatic:
		return s.Automatic
	case safety.CategoryPreRestore:
		return s.PreRestore
	}
	return safety.Policy{}
}

func (s *StubSettings) UndoEnabled() bool          { return s.UndoOn }
func (s *StubSettings) UndoTimeout() time.Duration { return s.UndoExpiry }
