package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
)

const (
	defaultBatchSize   = 64
	defaultParallelism = 2
)

// Embedder fills in missing or stale vectors for one meeting's rows.
type Embedder struct {
	cfg    *config.Config
	store  *store.Store
	client *Client
	logger *slog.Logger
}

// NewEmbedder constructs an embedder using the shared store and config.
func NewEmbedder(cfg *config.Config, st *store.Store, client *Client, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Embedder{
		cfg:    cfg,
		store:  st,
		client: client,
		logger: logger.With(logging.String("component", "embed")),
	}
}

// Stats summarizes one embedding pass.
type Stats struct {
	Embedded int
	Skipped  int
}

type pendingRow struct {
	target store.EmbeddingTarget
	id     int64
	text   string
	hash   string
}

// EmbedMeeting embeds every row of the meeting whose text changed since
// its vector was generated. Rows whose stored hash matches the current
// text are skipped; batches run concurrently within the configured
// parallelism and each batch commits atomically.
func (e *Embedder) EmbedMeeting(ctx context.Context, meeting *store.Meeting) (Stats, error) {
	logger := logging.WithContext(ctx, e.logger)

	pending, skipped, err := e.collect(ctx, meeting.ID)
	if err != nil {
		return Stats{}, err
	}
	if len(pending) == 0 {
		logger.Debug("embeddings current", logging.Int("skipped", skipped))
		return Stats{Skipped: skipped}, nil
	}

	batchSize := e.cfg.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	parallelism := e.cfg.Embeddings.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	var embedded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for start := 0; start < len(pending); start += batchSize {
		batch := pending[start:min(start+batchSize, len(pending))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, row := range batch {
				texts[i] = row.text
			}
			vectors, err := e.client.Embed(gctx, texts)
			if err != nil {
				return services.Wrap(services.ErrTransient, "embed", "request", "Embedding request failed", err)
			}
			if len(vectors) != len(batch) {
				return services.Wrap(services.ErrTransient, "embed", "response",
					"Embedding response size mismatch", fmt.Errorf("got %d vectors for %d inputs", len(vectors), len(batch)))
			}
			updates := make([]store.EmbeddingUpdate, len(batch))
			for i, row := range batch {
				updates[i] = store.EmbeddingUpdate{
					Target:      row.target,
					ID:          row.id,
					ContentHash: row.hash,
					Vector:      vectors[i],
				}
			}
			if err := e.store.ApplyEmbeddings(gctx, updates); err != nil {
				return services.Wrap(services.ErrTransient, "embed", "persist", "Failed to store embeddings", err)
			}
			embedded.Add(int64(len(batch)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Embedded: int(embedded.Load()), Skipped: skipped}
	logger.Info("embeddings updated",
		logging.Int("embedded", stats.Embedded),
		logging.Int("skipped", stats.Skipped))
	return stats, nil
}

// collect walks the meeting's embeddable rows and partitions them into
// rows needing a vector and rows already current.
func (e *Embedder) collect(ctx context.Context, meetingID int64) ([]pendingRow, int, error) {
	var pending []pendingRow
	skipped := 0
	consider := func(target store.EmbeddingTarget, id int64, text, storedHash string, hasVector bool) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		hash := hashText(text)
		if hasVector && storedHash == hash {
			skipped++
			return
		}
		pending = append(pending, pendingRow{target: target, id: id, text: text, hash: hash})
	}

	segments, err := e.store.ListSegments(ctx, meetingID)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrTransient, "embed", "load transcript", "Failed to load transcript segments", err)
	}
	for _, seg := range segments {
		if seg.TranscribeFailed {
			continue
		}
		consider(store.TargetSegments, seg.ID, seg.Body, seg.ContentHash, len(seg.Embedding) > 0)
	}

	docs, err := e.store.ListDocuments(ctx, meetingID)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrTransient, "embed", "load documents", "Failed to load documents", err)
	}
	for _, doc := range docs {
		sections, err := e.store.ListSections(ctx, doc.ID)
		if err != nil {
			return nil, 0, services.Wrap(services.ErrTransient, "embed", "load sections", "Failed to load document sections", err)
		}
		for _, section := range sections {
			consider(store.TargetSections, section.ID, sectionText(section), section.ContentHash, len(section.Embedding) > 0)
		}
	}

	motions, err := e.store.ListMotions(ctx, meetingID)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrTransient, "embed", "load motions", "Failed to load motions", err)
	}
	for _, motion := range motions {
		consider(store.TargetMotions, motion.ID, motion.Body, motion.ContentHash, len(motion.Embedding) > 0)
	}

	statements, err := e.store.ListKeyStatements(ctx, meetingID)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrTransient, "embed", "load statements", "Failed to load key statements", err)
	}
	for _, statement := range statements {
		consider(store.TargetKeyStatements, statement.ID, statementText(statement), statement.ContentHash, len(statement.Embedding) > 0)
	}

	return pending, skipped, nil
}

func sectionText(section *store.Section) string {
	if strings.TrimSpace(section.Title) == "" {
		return section.Body
	}
	return section.Title + "\n\n" + section.Body
}

func statementText(statement *store.KeyStatement) string {
	if strings.TrimSpace(statement.Speaker) == "" {
		return statement.Body
	}
	return statement.Speaker + ": " + statement.Body
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
