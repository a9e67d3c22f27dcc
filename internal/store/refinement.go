package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceRefinement replaces a meeting's motions, votes, and key statements
// as a set inside one transaction. Refinement output is not stable enough to
// diff field-by-field, so re-refinement deletes the old rows first.
func (s *Store) ReplaceRefinement(ctx context.Context, meetingID int64, motions []Motion, statements []KeyStatement) ([]Motion, []KeyStatement, error) {
	if meetingID == 0 {
		return nil, nil, errors.New("meeting id required")
	}
	insertedMotions := make([]Motion, len(motions))
	insertedStatements := make([]KeyStatement, len(statements))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Votes cascade with their motions.
		if _, err := tx.ExecContext(ctx, `DELETE FROM motions WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("clear motions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM key_statements WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("clear key statements: %w", err)
		}

		for i, motion := range motions {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO motions (meeting_id, agenda_item_id, body, result, mover_person_id,
                     seconder_person_id, time_offset, content_hash, embedding)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				meetingID,
				nullableInt64(motion.AgendaItemID),
				motion.Body,
				motion.Result,
				nullableInt64(motion.MoverPersonID),
				nullableInt64(motion.SeconderPersonID),
				nullableFloat64(motion.TimeOffset),
				motion.ContentHash,
				encodeVector(motion.Embedding),
			)
			if err != nil {
				return fmt.Errorf("insert motion %d: %w", i, err)
			}
			motionID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("motion insert id: %w", err)
			}
			motion.ID = motionID
			motion.MeetingID = meetingID

			for j, vote := range motion.Votes {
				voteRes, err := tx.ExecContext(
					ctx,
					`INSERT INTO votes (motion_id, person_id, member_name, value) VALUES (?, ?, ?, ?)`,
					motionID,
					nullableInt64(vote.PersonID),
					vote.MemberName,
					vote.Value,
				)
				if err != nil {
					return fmt.Errorf("insert vote %d/%d: %w", i, j, err)
				}
				voteID, err := voteRes.LastInsertId()
				if err != nil {
					return fmt.Errorf("vote insert id: %w", err)
				}
				motion.Votes[j].ID = voteID
				motion.Votes[j].MotionID = motionID
			}
			insertedMotions[i] = motion
		}

		for i, statement := range statements {
			res, err := tx.ExecContext(
				ctx,
				`INSERT INTO key_statements (meeting_id, agenda_item_id, speaker, body, content_hash, embedding)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				meetingID,
				nullableInt64(statement.AgendaItemID),
				statement.Speaker,
				statement.Body,
				statement.ContentHash,
				encodeVector(statement.Embedding),
			)
			if err != nil {
				return fmt.Errorf("insert key statement %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("key statement insert id: %w", err)
			}
			statement.ID = id
			statement.MeetingID = meetingID
			insertedStatements[i] = statement
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return insertedMotions, insertedStatements, nil
}

// ListMotions returns a meeting's motions with their votes.
func (s *Store) ListMotions(ctx context.Context, meetingID int64) ([]*Motion, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, meeting_id, agenda_item_id, body, result, mover_person_id,
             seconder_person_id, time_offset, content_hash, embedding
         FROM motions WHERE meeting_id = ? ORDER BY id`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list motions: %w", err)
	}
	defer rows.Close()

	var motions []*Motion
	for rows.Next() {
		var (
			motion     Motion
			agendaItem sql.NullInt64
			mover      sql.NullInt64
			seconder   sql.NullInt64
			timeOffset sql.NullFloat64
			embedding  []byte
		)
		if err := rows.Scan(
			&motion.ID,
			&motion.MeetingID,
			&agendaItem,
			&motion.Body,
			&motion.Result,
			&mover,
			&seconder,
			&timeOffset,
			&motion.ContentHash,
			&embedding,
		); err != nil {
			return nil, fmt.Errorf("scan motion: %w", err)
		}
		if agendaItem.Valid {
			motion.AgendaItemID = &agendaItem.Int64
		}
		if mover.Valid {
			motion.MoverPersonID = &mover.Int64
		}
		if seconder.Valid {
			motion.SeconderPersonID = &seconder.Int64
		}
		if timeOffset.Valid {
			motion.TimeOffset = &timeOffset.Float64
		}
		motion.Embedding = decodeVector(embedding)
		motions = append(motions, &motion)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, motion := range motions {
		votes, err := s.listVotes(ctx, motion.ID)
		if err != nil {
			return nil, err
		}
		motion.Votes = votes
	}
	return motions, nil
}

func (s *Store) listVotes(ctx context.Context, motionID int64) ([]Vote, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, motion_id, person_id, member_name, value FROM votes WHERE motion_id = ? ORDER BY id`,
		motionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var vote Vote
		var personID sql.NullInt64
		if err := rows.Scan(&vote.ID, &vote.MotionID, &personID, &vote.MemberName, &vote.Value); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		if personID.Valid {
			vote.PersonID = &personID.Int64
		}
		votes = append(votes, vote)
	}
	return votes, rows.Err()
}

// ListKeyStatements returns a meeting's key statements.
func (s *Store) ListKeyStatements(ctx context.Context, meetingID int64) ([]*KeyStatement, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, meeting_id, agenda_item_id, speaker, body, content_hash, embedding
         FROM key_statements WHERE meeting_id = ? ORDER BY id`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list key statements: %w", err)
	}
	defer rows.Close()

	var statements []*KeyStatement
	for rows.Next() {
		var (
			statement  KeyStatement
			agendaItem sql.NullInt64
			embedding  []byte
		)
		if err := rows.Scan(&statement.ID, &statement.MeetingID, &agendaItem, &statement.Speaker, &statement.Body, &statement.ContentHash, &embedding); err != nil {
			return nil, fmt.Errorf("scan key statement: %w", err)
		}
		if agendaItem.Valid {
			statement.AgendaItemID = &agendaItem.Int64
		}
		statement.Embedding = decodeVector(embedding)
		statements = append(statements, &statement)
	}
	return statements, rows.Err()
}
