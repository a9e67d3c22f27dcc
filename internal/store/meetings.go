package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const meetingColumns = `id, municipality, external_id, title, meeting_type, meeting_status,
    scheduled_at, status, last_settled_status, error_message, needs_review, review_reason,
    has_agenda, has_minutes, has_transcript, has_video, meta_json, created_at, updated_at`

// UpsertMeeting inserts a meeting keyed by (municipality, external_id) or
// refreshes its listing fields if it already exists. Pipeline state columns
// are never touched by the upsert.
func (s *Store) UpsertMeeting(ctx context.Context, m *Meeting) (*Meeting, error) {
	if strings.TrimSpace(m.Municipality) == "" || strings.TrimSpace(m.ExternalID) == "" {
		return nil, errors.New("meeting requires municipality and external id")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	meta := m.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	status := m.Status
	if status == "" {
		status = StatusPending
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO meetings (
            municipality, external_id, title, meeting_type, meeting_status, scheduled_at,
            status, meta_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (municipality, external_id) DO UPDATE SET
            title = excluded.title,
            meeting_type = excluded.meeting_type,
            meeting_status = excluded.meeting_status,
            scheduled_at = excluded.scheduled_at,
            updated_at = excluded.updated_at`,
		m.Municipality,
		m.ExternalID,
		m.Title,
		defaultString(m.MeetingType, "regular"),
		defaultString(m.MeetingStatus, "scheduled"),
		nullableTime(m.ScheduledAt),
		status,
		string(metaJSON),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert meeting: %w", err)
	}

	return s.GetMeetingByExternalID(ctx, m.Municipality, m.ExternalID)
}

// GetMeeting fetches a meeting by row identifier.
func (s *Store) GetMeeting(ctx context.Context, id int64) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	meeting, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return meeting, nil
}

// GetMeetingByExternalID fetches a meeting by its natural key.
func (s *Store) GetMeetingByExternalID(ctx context.Context, municipality, externalID string) (*Meeting, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE municipality = ? AND external_id = ?`,
		municipality,
		externalID,
	)
	meeting, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting by external id: %w", err)
	}
	return meeting, nil
}

// ListMeetings returns meetings for a municipality, optionally filtered by status.
func (s *Store) ListMeetings(ctx context.Context, municipality string, statuses ...Status) ([]*Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE municipality = ?`
	args := []any{municipality}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY scheduled_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*Meeting
	for rows.Next() {
		meeting, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, meeting)
	}
	return meetings, rows.Err()
}

// ListMeetingsAfter returns up to limit meetings with row identifiers
// greater than afterID, in identifier order. Backfill jobs page through
// a municipality's meetings with it.
func (s *Store) ListMeetingsAfter(ctx context.Context, municipality string, afterID int64, limit int) ([]*Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE municipality = ? AND id > ? ORDER BY id LIMIT ?`,
		municipality,
		afterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list meetings after: %w", err)
	}
	defer rows.Close()

	var meetings []*Meeting
	for rows.Next() {
		meeting, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, meeting)
	}
	return meetings, rows.Err()
}

// UpdateMeeting persists all mutable meeting fields.
func (s *Store) UpdateMeeting(ctx context.Context, m *Meeting) error {
	if m == nil || m.ID == 0 {
		return errors.New("meeting must have an id")
	}
	meta := m.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE meetings SET
            title = ?, meeting_type = ?, meeting_status = ?, scheduled_at = ?,
            status = ?, last_settled_status = ?, error_message = ?,
            needs_review = ?, review_reason = ?,
            has_agenda = ?, has_minutes = ?, has_transcript = ?, has_video = ?,
            meta_json = ?, updated_at = ?
        WHERE id = ?`,
		m.Title,
		m.MeetingType,
		m.MeetingStatus,
		nullableTime(m.ScheduledAt),
		m.Status,
		string(m.LastSettledStatus),
		m.ErrorMessage,
		boolToInt(m.NeedsReview),
		m.ReviewReason,
		boolToInt(m.HasAgenda),
		boolToInt(m.HasMinutes),
		boolToInt(m.HasTranscript),
		boolToInt(m.HasVideo),
		string(metaJSON),
		m.UpdatedAt.Format(time.RFC3339Nano),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update meeting rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("meeting %d not found", m.ID)
	}
	return nil
}

// ResetStuckProcessing rolls meetings abandoned mid-phase back to their
// preceding settled status. Returns the number of meetings reset.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, transition := range stuckRollbackTransitions {
			res, err := tx.ExecContext(
				ctx,
				`UPDATE meetings SET status = ?, updated_at = ? WHERE status = ?`,
				transition.to,
				time.Now().UTC().Format(time.RFC3339Nano),
				transition.from,
			)
			if err != nil {
				return fmt.Errorf("reset %s: %w", transition.from, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reset %s rows affected: %w", transition.from, err)
			}
			total += affected
		}
		return nil
	})
	return total, err
}

// CountsForMeeting aggregates downstream row counts, used for idempotency
// verification and run summaries.
func (s *Store) CountsForMeeting(ctx context.Context, meetingID int64) (MeetingCounts, error) {
	var counts MeetingCounts
	queries := []struct {
		dest  *int
		query string
	}{
		{&counts.Documents, `SELECT COUNT(1) FROM documents WHERE meeting_id = ?`},
		{&counts.Sections, `SELECT COUNT(1) FROM document_sections WHERE document_id IN (SELECT id FROM documents WHERE meeting_id = ?)`},
		{&counts.AgendaItems, `SELECT COUNT(1) FROM agenda_items WHERE meeting_id = ?`},
		{&counts.Segments, `SELECT COUNT(1) FROM transcript_segments WHERE meeting_id = ?`},
		{&counts.Motions, `SELECT COUNT(1) FROM motions WHERE meeting_id = ?`},
		{&counts.Votes, `SELECT COUNT(1) FROM votes WHERE motion_id IN (SELECT id FROM motions WHERE meeting_id = ?)`},
		{&counts.KeyStatements, `SELECT COUNT(1) FROM key_statements WHERE meeting_id = ?`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, meetingID).Scan(q.dest); err != nil {
			return counts, fmt.Errorf("count rows: %w", err)
		}
	}
	return counts, nil
}

// Health aggregates meeting counts by lifecycle bucket.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM meetings GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("health query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("health scan: %w", err)
		}
		summary.Total += count
		switch {
		case status == StatusPending:
			summary.Pending += count
		case status == StatusFailed:
			summary.Failed += count
		case status == StatusCompleted:
			summary.Completed += count
		case IsProcessingStatus(status):
			summary.Processing += count
		}
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var (
		m            Meeting
		scheduledAt  sql.NullString
		status       string
		lastSettled  string
		metaJSON     string
		createdAtRaw string
		updatedAtRaw string
	)
	err := row.Scan(
		&m.ID,
		&m.Municipality,
		&m.ExternalID,
		&m.Title,
		&m.MeetingType,
		&m.MeetingStatus,
		&scheduledAt,
		&status,
		&lastSettled,
		&m.ErrorMessage,
		&m.NeedsReview,
		&m.ReviewReason,
		&m.HasAgenda,
		&m.HasMinutes,
		&m.HasTranscript,
		&m.HasVideo,
		&metaJSON,
		&createdAtRaw,
		&updatedAtRaw,
	)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.LastSettledStatus = Status(lastSettled)
	if scheduledAt.Valid {
		if parsed, perr := parseTimestamp(scheduledAt.String); perr == nil {
			m.ScheduledAt = &parsed
		}
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
			return nil, fmt.Errorf("parse meta json: %w", err)
		}
	}
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	if parsed, perr := parseTimestamp(createdAtRaw); perr == nil {
		m.CreatedAt = parsed
	}
	if parsed, perr := parseTimestamp(updatedAtRaw); perr == nil {
		m.UpdatedAt = parsed
	}
	return &m, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
