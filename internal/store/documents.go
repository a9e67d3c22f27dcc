package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IngestResult reports what a document ingest did.
type IngestResult struct {
	Document *Document
	Changed  bool
}

// IngestDocument upserts a document by its natural key (meeting, kind,
// source URL) together with its chunked sections, atomically. An unchanged
// content hash is a no-op. A changed hash replaces the document row and its
// sections wholesale; sections are never patched in place. The meeting's
// has_agenda/has_minutes flag commits in the same transaction.
func (s *Store) IngestDocument(ctx context.Context, doc Document, sections []Section) (IngestResult, error) {
	if doc.MeetingID == 0 || doc.Kind == "" || doc.SourceURL == "" {
		return IngestResult{}, errors.New("document requires meeting id, kind, and source url")
	}
	if doc.ContentHash == "" {
		return IngestResult{}, errors.New("document requires a content hash")
	}

	var result IngestResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		var existingHash string
		err := tx.QueryRowContext(
			ctx,
			`SELECT id, content_hash FROM documents WHERE meeting_id = ? AND kind = ? AND source_url = ?`,
			doc.MeetingID, doc.Kind, doc.SourceURL,
		).Scan(&existingID, &existingHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// fresh ingest
		case err != nil:
			return fmt.Errorf("lookup document: %w", err)
		case existingHash == doc.ContentHash:
			result.Document = &doc
			result.Document.ID = existingID
			return nil
		default:
			// Hash mismatch: replace, never update in place.
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, existingID); err != nil {
				return fmt.Errorf("replace document: %w", err)
			}
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO documents (meeting_id, kind, source_url, local_path, content_hash, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			doc.MeetingID, doc.Kind, doc.SourceURL, doc.LocalPath, doc.ContentHash, now,
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		docID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("document insert id: %w", err)
		}

		for i, section := range sections {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO document_sections (document_id, ordinal, title, body, content_hash, embedding)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				docID, i, section.Title, section.Body, section.ContentHash, encodeVector(section.Embedding),
			); err != nil {
				return fmt.Errorf("insert section %d: %w", i, err)
			}
		}

		flagColumn := ""
		switch doc.Kind {
		case DocAgenda:
			flagColumn = "has_agenda"
		case DocMinutes:
			flagColumn = "has_minutes"
		}
		if flagColumn != "" {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE meetings SET `+flagColumn+` = 1, updated_at = ? WHERE id = ?`,
				now, doc.MeetingID,
			); err != nil {
				return fmt.Errorf("set %s: %w", flagColumn, err)
			}
		}

		doc.ID = docID
		result.Document = &doc
		result.Changed = true
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

// ListDocuments returns all documents for a meeting.
func (s *Store) ListDocuments(ctx context.Context, meetingID int64) ([]*Document, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, meeting_id, kind, source_url, local_path, content_hash, created_at
         FROM documents WHERE meeting_id = ? ORDER BY id`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var doc Document
		var createdAt string
		if err := rows.Scan(&doc.ID, &doc.MeetingID, &doc.Kind, &doc.SourceURL, &doc.LocalPath, &doc.ContentHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if parsed, perr := parseTimestamp(createdAt); perr == nil {
			doc.CreatedAt = parsed
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// ListSections returns a document's sections in order.
func (s *Store) ListSections(ctx context.Context, documentID int64) ([]*Section, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, document_id, ordinal, title, body, content_hash, embedding
         FROM document_sections WHERE document_id = ? ORDER BY ordinal`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var sections []*Section
	for rows.Next() {
		var section Section
		var embedding []byte
		if err := rows.Scan(&section.ID, &section.DocumentID, &section.Ordinal, &section.Title, &section.Body, &section.ContentHash, &embedding); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		section.Embedding = decodeVector(embedding)
		sections = append(sections, &section)
	}
	return sections, rows.Err()
}
