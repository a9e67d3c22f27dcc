package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EmbeddingTarget names a table whose rows carry embeddings.
type EmbeddingTarget string

const (
	TargetSegments      EmbeddingTarget = "transcript_segments"
	TargetSections      EmbeddingTarget = "document_sections"
	TargetMotions       EmbeddingTarget = "motions"
	TargetKeyStatements EmbeddingTarget = "key_statements"
)

var embeddingTargets = map[EmbeddingTarget]struct{}{
	TargetSegments:      {},
	TargetSections:      {},
	TargetMotions:       {},
	TargetKeyStatements: {},
}

// EmbeddingUpdate writes one row's embedding together with the content hash
// of the text it was generated from.
type EmbeddingUpdate struct {
	Target      EmbeddingTarget
	ID          int64
	ContentHash string
	Vector      []float32
}

// ApplyEmbeddings writes a batch of embedding updates in one transaction so
// a vector is never persisted without the hash of the text that produced it.
func (s *Store) ApplyEmbeddings(ctx context.Context, updates []EmbeddingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, update := range updates {
			if _, ok := embeddingTargets[update.Target]; !ok {
				return fmt.Errorf("unknown embedding target %q", update.Target)
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE `+string(update.Target)+` SET embedding = ?, content_hash = ? WHERE id = ?`,
				encodeVector(update.Vector),
				update.ContentHash,
				update.ID,
			); err != nil {
				return fmt.Errorf("apply embedding to %s/%d: %w", update.Target, update.ID, err)
			}
		}
		return nil
	})
}
