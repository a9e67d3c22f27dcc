package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceAgendaItems replaces a meeting's agenda wholesale inside one
// transaction. Called by the scrape phase; re-scraping an unchanged agenda
// yields the same rows.
func (s *Store) ReplaceAgendaItems(ctx context.Context, meetingID int64, items []AgendaItem) ([]AgendaItem, error) {
	if meetingID == 0 {
		return nil, errors.New("meeting id required")
	}
	inserted := make([]AgendaItem, len(items))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agenda_items WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("clear agenda items: %w", err)
		}
		for i, item := range items {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO agenda_items (meeting_id, order_label, ordinal, title, category, summary, matter_id,
                     window_start, window_end, window_source)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				meetingID,
				item.OrderLabel,
				i,
				item.Title,
				item.Category,
				item.Summary,
				nullableInt64(item.MatterID),
				nullableFloat64(item.WindowStart),
				nullableFloat64(item.WindowEnd),
				item.WindowSource,
			)
			if err != nil {
				return fmt.Errorf("insert agenda item %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("agenda item insert id: %w", err)
			}
			item.ID = id
			item.MeetingID = meetingID
			item.Ordinal = i
			inserted[i] = item
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListAgendaItems returns a meeting's agenda in order.
func (s *Store) ListAgendaItems(ctx context.Context, meetingID int64) ([]*AgendaItem, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, meeting_id, order_label, ordinal, title, category, summary, matter_id,
             window_start, window_end, window_source
         FROM agenda_items WHERE meeting_id = ? ORDER BY ordinal`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agenda items: %w", err)
	}
	defer rows.Close()

	var items []*AgendaItem
	for rows.Next() {
		item, err := scanAgendaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanAgendaItem(row rowScanner) (*AgendaItem, error) {
	var (
		item        AgendaItem
		matterID    sql.NullInt64
		windowStart sql.NullFloat64
		windowEnd   sql.NullFloat64
	)
	err := row.Scan(
		&item.ID,
		&item.MeetingID,
		&item.OrderLabel,
		&item.Ordinal,
		&item.Title,
		&item.Category,
		&item.Summary,
		&matterID,
		&windowStart,
		&windowEnd,
		&item.WindowSource,
	)
	if err != nil {
		return nil, fmt.Errorf("scan agenda item: %w", err)
	}
	if matterID.Valid {
		item.MatterID = &matterID.Int64
	}
	if windowStart.Valid {
		item.WindowStart = &windowStart.Float64
	}
	if windowEnd.Valid {
		item.WindowEnd = &windowEnd.Float64
	}
	return &item, nil
}

// UpdateAgendaWindows persists discussion windows and segment links produced
// by alignment, atomically.
func (s *Store) UpdateAgendaWindows(ctx context.Context, items []*AgendaItem, segmentLinks map[int64]*int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE agenda_items SET window_start = ?, window_end = ?, window_source = ? WHERE id = ?`,
				nullableFloat64(item.WindowStart),
				nullableFloat64(item.WindowEnd),
				item.WindowSource,
				item.ID,
			); err != nil {
				return fmt.Errorf("update agenda window %d: %w", item.ID, err)
			}
		}
		for segmentID, agendaItemID := range segmentLinks {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE transcript_segments SET agenda_item_id = ? WHERE id = ?`,
				nullableInt64(agendaItemID),
				segmentID,
			); err != nil {
				return fmt.Errorf("link segment %d: %w", segmentID, err)
			}
		}
		return nil
	})
}

// UpdateAgendaRefinement persists categories, summaries, and matter links
// assigned by refinement, atomically with nothing else (motion replacement
// has its own transaction in ReplaceRefinement).
func (s *Store) UpdateAgendaRefinement(ctx context.Context, items []*AgendaItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE agenda_items SET category = ?, summary = ?, matter_id = ? WHERE id = ?`,
				item.Category,
				item.Summary,
				nullableInt64(item.MatterID),
				item.ID,
			); err != nil {
				return fmt.Errorf("update agenda refinement %d: %w", item.ID, err)
			}
		}
		return nil
	})
}
