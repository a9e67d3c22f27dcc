package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReplaceTranscript replaces a meeting's transcript segments wholesale and
// sets has_transcript in the same transaction. Re-running diarization deletes
// the old segments first so the same speech is never stored twice.
func (s *Store) ReplaceTranscript(ctx context.Context, meetingID int64, segments []Segment) ([]Segment, error) {
	if meetingID == 0 {
		return nil, errors.New("meeting id required")
	}
	inserted := make([]Segment, len(segments))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("clear transcript segments: %w", err)
		}
		for i, segment := range segments {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO transcript_segments (
                     meeting_id, agenda_item_id, motion_id, speaker_label, person_id,
                     start_sec, end_sec, body, transcribe_failed, content_hash, embedding)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				meetingID,
				nullableInt64(segment.AgendaItemID),
				nullableInt64(segment.MotionID),
				segment.SpeakerLabel,
				nullableInt64(segment.PersonID),
				segment.StartSec,
				segment.EndSec,
				segment.Body,
				boolToInt(segment.TranscribeFailed),
				segment.ContentHash,
				encodeVector(segment.Embedding),
			)
			if err != nil {
				return fmt.Errorf("insert segment %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("segment insert id: %w", err)
			}
			segment.ID = id
			segment.MeetingID = meetingID
			inserted[i] = segment
		}

		hasTranscript := 0
		if len(segments) > 0 {
			hasTranscript = 1
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE meetings SET has_transcript = ?, updated_at = ? WHERE id = ?`,
			hasTranscript,
			time.Now().UTC().Format(time.RFC3339Nano),
			meetingID,
		); err != nil {
			return fmt.Errorf("set has_transcript: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListSegments returns a meeting's transcript segments in time order.
func (s *Store) ListSegments(ctx context.Context, meetingID int64) ([]*Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, meeting_id, agenda_item_id, motion_id, speaker_label, person_id,
             start_sec, end_sec, body, transcribe_failed, content_hash, embedding
         FROM transcript_segments WHERE meeting_id = ? ORDER BY start_sec, id`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		var (
			segment      Segment
			agendaItemID sql.NullInt64
			motionID     sql.NullInt64
			personID     sql.NullInt64
			embedding    []byte
		)
		if err := rows.Scan(
			&segment.ID,
			&segment.MeetingID,
			&agendaItemID,
			&motionID,
			&segment.SpeakerLabel,
			&personID,
			&segment.StartSec,
			&segment.EndSec,
			&segment.Body,
			&segment.TranscribeFailed,
			&segment.ContentHash,
			&embedding,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if agendaItemID.Valid {
			segment.AgendaItemID = &agendaItemID.Int64
		}
		if motionID.Valid {
			segment.MotionID = &motionID.Int64
		}
		if personID.Valid {
			segment.PersonID = &personID.Int64
		}
		segment.Embedding = decodeVector(embedding)
		segments = append(segments, &segment)
	}
	return segments, rows.Err()
}
