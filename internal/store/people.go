package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsurePerson inserts a person keyed by normalized name, returning the
// existing row when already present.
func (s *Store) EnsurePerson(ctx context.Context, name, normalizedName, role string) (*Person, error) {
	if normalizedName == "" {
		return nil, errors.New("normalized name required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO people (name, normalized_name, role) VALUES (?, ?, ?)
         ON CONFLICT (normalized_name) DO NOTHING`,
		name, normalizedName, role,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure person: %w", err)
	}
	return s.FindPersonByNormalizedName(ctx, normalizedName)
}

// FindPersonByNormalizedName fetches a person by their normalized-name key.
func (s *Store) FindPersonByNormalizedName(ctx context.Context, normalizedName string) (*Person, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, normalized_name, role FROM people WHERE normalized_name = ?`,
		normalizedName,
	)
	var person Person
	err := row.Scan(&person.ID, &person.Name, &person.NormalizedName, &person.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find person: %w", err)
	}
	return &person, nil
}

// ListPeople returns all known people.
func (s *Store) ListPeople(ctx context.Context) ([]*Person, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, normalized_name, role FROM people ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var people []*Person
	for rows.Next() {
		var person Person
		if err := rows.Scan(&person.ID, &person.Name, &person.NormalizedName, &person.Role); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, &person)
	}
	return people, rows.Err()
}

// EnsureMatter inserts a matter keyed by normalized identifier, returning the
// existing row when already present. Merging two matters later found to be
// identical is an administrative operation, not done here.
func (s *Store) EnsureMatter(ctx context.Context, identifier, normalizedIdentifier, title string) (*Matter, error) {
	if normalizedIdentifier == "" {
		return nil, errors.New("normalized identifier required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO matters (identifier, normalized_identifier, title) VALUES (?, ?, ?)
         ON CONFLICT (normalized_identifier) DO NOTHING`,
		identifier, normalizedIdentifier, title,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure matter: %w", err)
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, identifier, normalized_identifier, title FROM matters WHERE normalized_identifier = ?`,
		normalizedIdentifier,
	)
	var matter Matter
	if err := row.Scan(&matter.ID, &matter.Identifier, &matter.NormalizedIdentifier, &matter.Title); err != nil {
		return nil, fmt.Errorf("fetch matter: %w", err)
	}
	return &matter, nil
}

// ListMatters returns all tracked matters.
func (s *Store) ListMatters(ctx context.Context) ([]*Matter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, identifier, normalized_identifier, title FROM matters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list matters: %w", err)
	}
	defer rows.Close()

	var matters []*Matter
	for rows.Next() {
		var matter Matter
		if err := rows.Scan(&matter.ID, &matter.Identifier, &matter.NormalizedIdentifier, &matter.Title); err != nil {
			return nil, fmt.Errorf("scan matter: %w", err)
		}
		matters = append(matters, &matter)
	}
	return matters, rows.Err()
}

// AddVoiceFingerprint stores a labeled voice embedding for a known person.
// Fingerprints are produced by manual labeling workflows and read by the
// diarizer.
func (s *Store) AddVoiceFingerprint(ctx context.Context, personID int64, label string, vector []float32) (*VoiceFingerprint, error) {
	if personID == 0 || len(vector) == 0 {
		return nil, errors.New("voice fingerprint requires a person and a vector")
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO voice_fingerprints (person_id, label, dims, vector) VALUES (?, ?, ?, ?)`,
		personID, label, len(vector), encodeVector(vector),
	)
	if err != nil {
		return nil, fmt.Errorf("insert voice fingerprint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("voice fingerprint insert id: %w", err)
	}
	return &VoiceFingerprint{ID: id, PersonID: personID, Label: label, Vector: vector}, nil
}

// ListVoiceFingerprints returns all stored voice fingerprints.
func (s *Store) ListVoiceFingerprints(ctx context.Context) ([]*VoiceFingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, person_id, label, vector FROM voice_fingerprints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list voice fingerprints: %w", err)
	}
	defer rows.Close()

	var fingerprints []*VoiceFingerprint
	for rows.Next() {
		var fp VoiceFingerprint
		var blob []byte
		if err := rows.Scan(&fp.ID, &fp.PersonID, &fp.Label, &blob); err != nil {
			return nil, fmt.Errorf("scan voice fingerprint: %w", err)
		}
		fp.Vector = decodeVector(blob)
		fingerprints = append(fingerprints, &fp)
	}
	return fingerprints, rows.Err()
}
