// Package study orchestrates destructive batch operations over the study
// tree and the catalog. Before anything is removed it arms the safety net:
// an automatic snapshot (best-effort, never blocking the deletion) and,
// when undo is enabled, staged copies of every doomed item in the undo
// cache.
package study

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kineviz/internal/database"
	"kineviz/internal/layout"
	"kineviz/internal/safety"
)

// Service performs study-level destructive operations.
type Service struct {
	layout layout.Layout
	repo   *database.StudyRepository
	store  *safety.BackupStore
	undo   *safety.UndoCache
	logger safety.Logger

	// testMode suppresses automatic snapshots so tests stay deterministic.
	testMode bool
}

// NewService wires the orchestrator.
func NewService(l layout.Layout, repo *database.StudyRepository, store *safety.BackupStore, undo *safety.UndoCache, logger safety.Logger, testMode bool) *Service {
	return &Service{layout: l, repo: repo, store: store, undo: undo, logger: logger, testMode: testMode}
}

// CreateStudy registers a study in the catalog and creates its directory.
func (s *Service) CreateStudy(name string) (*database.Study, error) {
	existing, err := s.repo.FindStudyByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("study already exists: %s", name)
	}

	st, err := s.repo.CreateStudy(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.layout.StudyDir(name), 0755); err != nil {
		return nil, fmt.Errorf("creating study directory: %w", err)
	}
	s.logger.Info("study created", "name", name)
	return st, nil
}

// ListStudies returns the catalog's studies ordered by name.
func (s *Service) ListStudies() ([]*database.Study, error) {
	return s.repo.ListStudies()
}

// AddParticipant registers a participant and creates its trial folders.
func (s *Service) AddParticipant(studyName, code string) (*database.Participant, error) {
	st, err := s.repo.FindStudyByName(studyName)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no such study: %s", studyName)
	}

	p, err := s.repo.AddParticipant(st.ID, code)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.layout.StudyDir(studyName), code, layout.OriginalFilesDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating participant directory: %w", err)
	}
	return p, nil
}

// DeleteStudy removes a study's directory tree and catalog row. The
// automatic snapshot and the undo staging both happen first; either may
// degrade (logged) without stopping the deletion.
func (s *Service) DeleteStudy(name string) error {
	st, err := s.repo.FindStudyByName(name)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no such study: %s", name)
	}

	s.safetyNet()

	dir := s.layout.StudyDir(name)
	if s.armUndo() {
		if _, err := os.Stat(dir); err == nil {
			if err := s.undo.Stage(dir, "study"); err != nil {
				s.logger.Warn("cannot stage study for undo", "study", name, "error", err)
			}
		}
	}

	if err := s.repo.DeleteStudy(st.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing study directory: %w", err)
	}
	s.logger.Info("study deleted", "name", name)
	return nil
}

// DeleteDiscreteResults removes a study's discrete-analysis output tree.
func (s *Service) DeleteDiscreteResults(studyName string) error {
	return s.deleteResultsDir(studyName, layout.DiscreteResultsDir, "discrete_results")
}

// DeleteContinuousResults removes a study's continuous-analysis output tree.
func (s *Service) DeleteContinuousResults(studyName string) error {
	return s.deleteResultsDir(studyName, layout.ContinuousResultsDir, "continuous_results")
}

func (s *Service) deleteResultsDir(studyName, sub, itemType string) error {
	dir := filepath.Join(s.layout.StudyDir(studyName), sub)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no %s for study %s", itemType, studyName)
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	s.safetyNet()

	if s.armUndo() {
		if err := s.undo.Stage(dir, itemType); err != nil {
			s.logger.Warn("cannot stage results for undo", "path", dir, "error", err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	s.logger.Info("analysis results deleted", "study", studyName, "type", itemType)
	return nil
}

// DeleteSelected removes an arbitrary batch of files or directories under
// the study tree, staging each for undo first. Failures are per-item:
// the returned counts report how many items were removed and how many
// could not be.
func (s *Service) DeleteSelected(paths []string, itemType string) (deleted, failed int) {
	s.safetyNet()
	armed := s.armUndo()

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			s.logger.Warn("item to delete does not exist", "path", p)
			failed++
			continue
		}
		if armed {
			if err := s.undo.Stage(p, itemType); err != nil {
				s.logger.Warn("cannot stage item for undo", "path", p, "error", err)
			}
		}
		if err := os.RemoveAll(p); err != nil {
			s.logger.Error("cannot delete item", "path", p, "error", err)
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed
}

// safetyNet fires the automatic snapshot. Refusals (cooldown, lock,
// disabled, test mode) are expected and logged at info; real failures are
// logged at warning. Neither blocks the deletion.
func (s *Service) safetyNet() {
	_, err := s.store.Create(safety.CategoryAutomatic, s.testMode)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, safety.ErrDisabled),
		errors.Is(err, safety.ErrCooldownActive),
		errors.Is(err, safety.ErrLockHeld),
		errors.Is(err, safety.ErrTestMode),
		errors.Is(err, safety.ErrSnapshotExists):
		s.logger.Info("automatic backup skipped", "reason", err)
	default:
		s.logger.Warn("automatic backup failed", "error", err)
	}
}

// armUndo prepares a fresh undo package. Reports whether staging should
// proceed; a failed preparation degrades to deletion without undo.
func (s *Service) armUndo() bool {
	if !s.undo.IsEnabled() {
		return false
	}
	if err := s.undo.Prepare(); err != nil {
		s.logger.Warn("cannot prepare undo package", "error", err)
		return false
	}
	return true
}
