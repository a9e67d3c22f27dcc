package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"log/slog"

	"hansard/internal/align"
	"hansard/internal/archive"
	"hansard/internal/chunker"
	"hansard/internal/config"
	"hansard/internal/diarize"
	"hansard/internal/embed"
	"hansard/internal/logging"
	"hansard/internal/media"
	"hansard/internal/refine"
	"hansard/internal/scraper"
	"hansard/internal/services"
	"hansard/internal/store"
)

// ErrPhaseSkip signals from Prepare that the phase has nothing to do.
// The orchestrator advances the status as if the phase ran.
var ErrPhaseSkip = errors.New("phase skipped")

func defaultPhases(cfg *config.Config, st *store.Store, layout *archive.Layout, logger *slog.Logger) []Phase {
	engine := align.NewEngine(cfg.Alignment, logger)
	refiner := refine.NewRefiner(cfg, st, refine.NewClient(cfg.LLM), engine, logger)
	embedder := embed.NewEmbedder(cfg, st, embed.NewClient(cfg.Embeddings), logger)
	return []Phase{
		{
			Name:       PhaseScrape,
			Processing: store.StatusScraping,
			Settled:    store.StatusScraped,
			Handler:    &scrapeHandler{store: st, layout: layout, logger: logger},
			Timeout:    timeoutSeconds(cfg.Workflow.ScrapeTimeoutSeconds),
		},
		{
			Name:       PhaseMedia,
			Processing: store.StatusAcquiringMedia,
			Settled:    store.StatusMediaAcquired,
			Handler:    &mediaHandler{acquirer: media.NewAcquirer(cfg, layout, logger), layout: layout, logger: logger},
			Timeout:    timeoutSeconds(cfg.Workflow.DownloadTimeoutSeconds),
		},
		{
			Name:       PhaseDiarize,
			Processing: store.StatusDiarizing,
			Settled:    store.StatusDiarized,
			Handler:    &diarizeHandler{cfg: cfg, store: st, service: diarize.NewService(cfg.Diarization, logger), layout: layout, logger: logger},
			Timeout:    timeoutSeconds(cfg.Diarization.TimeoutSeconds),
		},
		{
			Name:       PhaseAlign,
			Processing: store.StatusAligning,
			Settled:    store.StatusAligned,
			Handler:    &alignHandler{store: st, engine: engine, logger: logger},
		},
		{
			Name:       PhaseRefine,
			Processing: store.StatusRefining,
			Settled:    store.StatusRefined,
			Handler:    &refineHandler{store: st, refiner: refiner},
			Timeout:    timeoutSeconds(cfg.Workflow.RefineTimeoutSeconds),
		},
		{
			Name:       PhaseEmbed,
			Processing: store.StatusEmbedding,
			Settled:    store.StatusEmbedded,
			Handler:    &embedHandler{embedder: embedder},
		},
	}
}

// scrapeHandler archives and ingests the listing's documents, rebuilds
// agenda items from a changed agenda, and caches listing-derived meta
// (video reference, platform vote records) on the meeting.
type scrapeHandler struct {
	store  *store.Store
	layout *archive.Layout
	logger *slog.Logger
}

func (h *scrapeHandler) Prepare(ctx context.Context, job *Job) error {
	if job.Scraper == nil {
		return services.Wrap(services.ErrConfiguration, PhaseScrape, "prepare", "No scraper configured for municipality", nil)
	}
	return nil
}

func (h *scrapeHandler) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, h.logger)
	meeting := job.Meeting
	listing := job.Change.Listing

	if meeting.Meta == nil {
		meeting.Meta = map[string]string{}
	}
	if ref := strings.TrimSpace(listing.VideoRef); ref != "" {
		meeting.Meta[media.MetaVideoRef] = ref
	}
	if len(listing.StructuredMotions) > 0 {
		encoded, err := json.Marshal(listing.StructuredMotions)
		if err != nil {
			return services.Wrap(services.ErrParse, PhaseScrape, "encode votes", "Failed to encode platform vote records", err)
		}
		meeting.Meta[refine.MetaStructuredMotions] = string(encoded)
	}

	if len(job.Change.NewDocuments) == 0 {
		return nil
	}
	fetchListing := listing
	fetchListing.Documents = job.Change.NewDocuments
	docs, err := job.Scraper.FetchDocuments(ctx, fetchListing)
	if err != nil {
		return err
	}

	for _, raw := range docs {
		if err := h.ingest(ctx, logger, meeting, raw); err != nil {
			return err
		}
	}
	return nil
}

func (h *scrapeHandler) ingest(ctx context.Context, logger *slog.Logger, meeting *store.Meeting, raw scraper.RawDocument) error {
	path := h.layout.DocumentPath(meeting, raw.Ref.Kind, raw.Ref.URL)
	if err := h.layout.WriteFile(path, raw.Body); err != nil {
		return services.Wrap(services.ErrTransient, PhaseScrape, "archive document", "Failed to archive document", err)
	}

	runs, err := extractRuns(raw.Body)
	if err != nil {
		// A document we cannot parse still counts as archived; the
		// meeting proceeds degraded rather than failing outright.
		logger.Warn("document parse failed, ingesting without sections",
			logging.String("url", raw.Ref.URL),
			logging.Error(err))
		runs = nil
	}
	chunks := chunker.Chunk(runs)
	sections := make([]store.Section, len(chunks))
	for i, chunk := range chunks {
		sections[i] = store.Section{
			Ordinal:     chunk.Ordinal,
			Title:       chunk.Title,
			Body:        chunk.Body,
			ContentHash: chunk.ContentHash,
		}
	}

	sum := sha256.Sum256(raw.Body)
	result, err := h.store.IngestDocument(ctx, store.Document{
		MeetingID:   meeting.ID,
		Kind:        raw.Ref.Kind,
		SourceURL:   raw.Ref.URL,
		LocalPath:   path,
		ContentHash: hex.EncodeToString(sum[:]),
	}, sections)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseScrape, "ingest document", "Failed to ingest document", err)
	}

	switch raw.Ref.Kind {
	case store.DocAgenda:
		meeting.HasAgenda = true
	case store.DocMinutes:
		meeting.HasMinutes = true
	}

	if raw.Ref.Kind == store.DocAgenda && result.Changed {
		items := make([]store.AgendaItem, len(sections))
		for i, section := range sections {
			items[i] = store.AgendaItem{Title: section.Title}
		}
		if _, err := h.store.ReplaceAgendaItems(ctx, meeting.ID, items); err != nil {
			return services.Wrap(services.ErrTransient, PhaseScrape, "rebuild agenda", "Failed to rebuild agenda items", err)
		}
		logger.Info("agenda rebuilt", logging.Int("items", len(items)))
	}
	return nil
}

// extractRuns picks the extraction strategy by sniffing the payload.
func extractRuns(body []byte) ([]chunker.FontRun, error) {
	trimmed := bytes.TrimSpace(body)
	lowered := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lowered, []byte("<!doctype")) || bytes.HasPrefix(lowered, []byte("<html")) || bytes.Contains(lowered, []byte("<body")) {
		return chunker.FromHTML(body)
	}
	return chunker.FromText(string(body)), nil
}

// mediaHandler resolves and downloads the meeting recording. A meeting
// without video is a recorded gap, not a failure.
type mediaHandler struct {
	acquirer *media.Acquirer
	layout   *archive.Layout
	logger   *slog.Logger
}

func (h *mediaHandler) Prepare(ctx context.Context, job *Job) error {
	meeting := job.Meeting
	if strings.TrimSpace(meeting.Meta[media.MetaVideoRef]) == "" && !job.Change.Listing.HasVideo {
		return ErrPhaseSkip
	}
	if h.layout.HasAudio(meeting) && !job.Change.NewVideo {
		return ErrPhaseSkip
	}
	return nil
}

func (h *mediaHandler) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, h.logger)
	meeting := job.Meeting

	src, err := h.acquirer.Resolve(ctx, job.Municipality, meeting)
	if err != nil {
		return err
	}
	if src == nil {
		logger.Info("no downloadable video, recording gap",
			logging.String("external_id", meeting.ExternalID))
		return nil
	}
	if _, err := h.acquirer.Download(ctx, meeting, src); err != nil {
		return err
	}
	meeting.HasVideo = true
	return nil
}

// diarizeHandler runs the speech tool over the archived audio and
// replaces the meeting's transcript wholesale.
type diarizeHandler struct {
	cfg     *config.Config
	store   *store.Store
	service *diarize.Service
	layout  *archive.Layout
	logger  *slog.Logger
}

func (h *diarizeHandler) Prepare(ctx context.Context, job *Job) error {
	if !h.cfg.Diarization.Enabled {
		return ErrPhaseSkip
	}
	if !h.layout.HasAudio(job.Meeting) {
		return ErrPhaseSkip
	}
	if h.layout.HasTranscript(job.Meeting) && !job.Change.NewVideo {
		return ErrPhaseSkip
	}
	return nil
}

func (h *diarizeHandler) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, h.logger)
	meeting := job.Meeting

	raw, err := h.service.Diarize(ctx, h.layout.AudioPath(meeting), h.layout.MeetingDir(meeting))
	if err != nil {
		return err
	}
	if err := h.layout.WriteJSON(h.layout.DiarizationPath(meeting), raw); err != nil {
		return services.Wrap(services.ErrTransient, PhaseDiarize, "archive diarization", "Failed to archive diarization output", err)
	}

	fingerprints, err := h.store.ListVoiceFingerprints(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseDiarize, "load fingerprints", "Failed to load voice fingerprints", err)
	}
	peopleRows, err := h.store.ListPeople(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseDiarize, "load people", "Failed to load people", err)
	}
	people := make(map[int64]*store.Person, len(peopleRows))
	for _, p := range peopleRows {
		people[p.ID] = p
	}

	identities := h.service.IdentifySpeakers(raw, fingerprints, people)
	segments, err := h.store.ReplaceTranscript(ctx, meeting.ID, diarize.ToSegments(raw, identities))
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseDiarize, "persist transcript", "Failed to store transcript", err)
	}
	if err := h.layout.WriteJSON(h.layout.TranscriptPath(meeting), segments); err != nil {
		return services.Wrap(services.ErrTransient, PhaseDiarize, "archive transcript", "Failed to archive transcript", err)
	}
	meeting.HasTranscript = true

	logger.Info("transcript stored",
		logging.Int("segments", len(segments)),
		logging.Int("identified_speakers", len(identities)))
	return nil
}

// alignHandler computes agenda discussion windows and segment links.
type alignHandler struct {
	store  *store.Store
	engine *align.Engine
	logger *slog.Logger
}

func (h *alignHandler) Prepare(ctx context.Context, job *Job) error {
	return nil
}

func (h *alignHandler) Execute(ctx context.Context, job *Job) error {
	logger := logging.WithContext(ctx, h.logger)
	meeting := job.Meeting

	items, err := h.store.ListAgendaItems(ctx, meeting.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseAlign, "load agenda", "Failed to load agenda items", err)
	}
	segments, err := h.store.ListSegments(ctx, meeting.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseAlign, "load transcript", "Failed to load transcript segments", err)
	}
	if len(items) == 0 || len(segments) == 0 {
		logger.Debug("nothing to align",
			logging.Int("agenda_items", len(items)),
			logging.Int("segments", len(segments)))
		return nil
	}

	result := h.engine.Align(items, segments)
	if err := h.store.UpdateAgendaWindows(ctx, result.Items, result.SegmentLinks); err != nil {
		return services.Wrap(services.ErrTransient, PhaseAlign, "persist windows", "Failed to store agenda windows", err)
	}
	logger.Info("agenda aligned",
		logging.Int("text_matched", result.TextMatched),
		logging.Int("positional", result.Positional))
	return nil
}

// refineHandler extracts structured records through the refiner.
type refineHandler struct {
	store   *store.Store
	refiner *refine.Refiner
}

func (h *refineHandler) Prepare(ctx context.Context, job *Job) error {
	counts, err := h.store.CountsForMeeting(ctx, job.Meeting.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, PhaseRefine, "load counts", "Failed to load meeting counts", err)
	}
	if counts.Segments == 0 && counts.Sections == 0 && strings.TrimSpace(job.Meeting.Meta[refine.MetaStructuredMotions]) == "" {
		return ErrPhaseSkip
	}
	return nil
}

func (h *refineHandler) Execute(ctx context.Context, job *Job) error {
	return h.refiner.Refine(ctx, job.Meeting)
}

// embedHandler fills missing vectors for the meeting's rows.
type embedHandler struct {
	embedder *embed.Embedder
}

func (h *embedHandler) Prepare(ctx context.Context, job *Job) error {
	return nil
}

func (h *embedHandler) Execute(ctx context.Context, job *Job) error {
	_, err := h.embedder.EmbedMeeting(ctx, job.Meeting)
	return err
}
