// Package database holds the study catalog: the sqlite file that the
// safety core copies and swaps as an opaque unit. Everything that actually
// interprets its rows lives here.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kineviz/internal/database/migrations"
	"kineviz/internal/safety"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Study is one motion-capture study tracked in the catalog.
type Study struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Participant is one participant row of a study.
type Participant struct {
	ID      string
	StudyID string
	Code    string
}

// StudyRepository is the catalog access layer.
type StudyRepository struct {
	db    *sql.DB
	idgen safety.IDGenerator
	clock safety.Clock
}

// Open opens (or creates) the catalog at path, applies pending migrations
// and returns a repository over it. The caller must Close it; closing also
// releases the file so that restore and undo can swap it safely.
func Open(path string, idgen safety.IDGenerator, clock safety.Clock) (*StudyRepository, error) {
	db, err := openConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return &StudyRepository{db: db, idgen: idgen, clock: clock}, nil
}

// openConnection opens and configures a sqlite connection. Foreign keys are
// off by default in sqlite; the participant cascade depends on them.
func openConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (r *StudyRepository) Close() error {
	return r.db.Close()
}

// CreateStudy inserts a new study and returns it.
func (r *StudyRepository) CreateStudy(name string) (*Study, error) {
	s := &Study{
		ID:        r.idgen.New(),
		Name:      name,
		CreatedAt: r.clock.Now(),
	}
	_, err := r.db.Exec(
		"INSERT INTO studies (id, name, created_at) VALUES (?, ?, ?)",
		s.ID, s.Name, s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating study: %w", err)
	}
	return s, nil
}

// FindStudyByName returns the study with the given name, or nil.
func (r *StudyRepository) FindStudyByName(name string) (*Study, error) {
	row := r.db.QueryRow(
		"SELECT id, name, created_at FROM studies WHERE name = ?", name,
	)
	var s Study
	if err := row.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding study: %w", err)
	}
	return &s, nil
}

// ListStudies returns all studies ordered by name.
func (r *StudyRepository) ListStudies() ([]*Study, error) {
	rows, err := r.db.Query("SELECT id, name, created_at FROM studies ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing studies: %w", err)
	}
	defer rows.Close()

	var studies []*Study
	for rows.Next() {
		var s Study
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning study: %w", err)
		}
		studies = append(studies, &s)
	}
	return studies, rows.Err()
}

// DeleteStudy removes a study row; participants cascade.
func (r *StudyRepository) DeleteStudy(id string) error {
	if _, err := r.db.Exec("DELETE FROM studies WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting study: %w", err)
	}
	return nil
}

// AddParticipant inserts a participant row for a study.
func (r *StudyRepository) AddParticipant(studyID, code string) (*Participant, error) {
	p := &Participant{ID: r.idgen.New(), StudyID: studyID, Code: code}
	_, err := r.db.Exec(
		"INSERT INTO participants (id, study_id, code) VALUES (?, ?, ?)",
		p.ID, p.StudyID, p.Code,
	)
	if err != nil {
		return nil, fmt.Errorf("adding participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns a study's participants ordered by code.
func (r *StudyRepository) ListParticipants(studyID string) ([]*Participant, error) {
	rows, err := r.db.Query(
		"SELECT id, study_id, code FROM participants WHERE study_id = ? ORDER BY code",
		studyID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.StudyID, &p.Code); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}
