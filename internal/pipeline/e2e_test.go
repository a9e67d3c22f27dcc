package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"hansard/internal/align"
	"hansard/internal/archive"
	"hansard/internal/config"
	"hansard/internal/diarize"
	"hansard/internal/embed"
	"hansard/internal/logging"
	"hansard/internal/media"
	"hansard/internal/refine"
	"hansard/internal/scraper"
	"hansard/internal/store"
	"hansard/internal/testsupport"
	"hansard/internal/textutil"
	"hansard/internal/updates"
)

// htmlScraper serves a fixed HTML agenda so document chunking runs the
// real extraction path end to end.
type htmlScraper struct {
	listings []scraper.Listing
	body     []byte
}

func (s *htmlScraper) ListMeetings(ctx context.Context) ([]scraper.Listing, error) {
	return s.listings, nil
}

func (s *htmlScraper) FetchDocuments(ctx context.Context, listing scraper.Listing) ([]scraper.RawDocument, error) {
	docs := make([]scraper.RawDocument, len(listing.Documents))
	for i, ref := range listing.Documents {
		docs[i] = scraper.RawDocument{Ref: ref, Body: s.body}
	}
	return docs, nil
}

const e2eAgendaHTML = `<!doctype html>
<html><body>
<h2>Adoption of Minutes</h2>
<p>Approval of the minutes of the regular council meeting held August 12.</p>
<h2>New Business</h2>
<p>Bylaw 2026-14 to amend the zoning map for the riverfront parcels.</p>
</body></html>`

const e2eDiarizationJSON = `{"segments":[
  {"speaker":"SPEAKER_00","start":0,"end":30,"text":"I call this meeting to order. First item is the adoption of minutes from our last session.","embedding":[1,0,0]},
  {"speaker":"SPEAKER_01","start":30,"end":60,"text":"I move that the minutes be adopted as circulated.","embedding":[0,1,0]},
  {"speaker":"SPEAKER_00","start":60,"end":90,"text":"We turn now to new business, bylaw 2026-14 on the riverfront zoning amendment.","embedding":[1,0,0]},
  {"speaker":"SPEAKER_01","start":90,"end":120,"text":"I move second reading of bylaw 2026-14.","embedding":[0,1,0]}
]}`

const e2eExtractionJSON = `{
  "motions": [
    {
      "text": "That the minutes of the August 12 regular meeting be adopted as circulated.",
      "mover": "Councillor Bell",
      "seconder": "Mayor Ortiz",
      "result": "carried",
      "agenda_item_ordinal": 0,
      "votes": [
        {"member": "Mayor Ortiz", "value": "yes"},
        {"member": "Councillor Bell", "value": "yes"}
      ]
    }
  ],
  "key_statements": [
    {
      "speaker": "Mayor Ortiz",
      "statement": "We turn now to new business, bylaw 2026-14 on the riverfront zoning amendment.",
      "agenda_item_ordinal": 1
    }
  ],
  "agenda_items": [
    {"ordinal": 0, "category": "procedural", "summary": "Minutes of the prior regular meeting adopted without amendment."},
    {"ordinal": 1, "category": "zoning", "summary": "Second reading of bylaw 2026-14 amending riverfront parcel zoning."}
  ],
  "matters": [
    {"identifier": "BL-2026-14", "title": "Riverfront zoning amendment", "agenda_item_ordinal": 1}
  ]
}`

// newExtractionServer returns a chat-completions stub that always
// answers with the canned extraction payload.
func newExtractionServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": e2eExtractionJSON}},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode chat response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newEmbeddingsServer returns an embeddings stub that echoes one small
// vector per input.
func newEmbeddingsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode embeddings request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		type datum struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, datum{Index: i, Embedding: []float32{0.1, 0.2, 0.3}})
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode embeddings response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// realPhases builds the production phase set with an injected
// diarization service so the speech subprocess can be faked.
func realPhases(cfg *config.Config, st *store.Store, layout *archive.Layout, svc *diarize.Service) []Phase {
	logger := logging.NewNop()
	engine := align.NewEngine(cfg.Alignment, logger)
	refiner := refine.NewRefiner(cfg, st, refine.NewClient(cfg.LLM), engine, logger)
	embedder := embed.NewEmbedder(cfg, st, embed.NewClient(cfg.Embeddings), logger)
	return []Phase{
		{Name: PhaseScrape, Processing: store.StatusScraping, Settled: store.StatusScraped,
			Handler: &scrapeHandler{store: st, layout: layout, logger: logger}, Timeout: time.Minute},
		{Name: PhaseMedia, Processing: store.StatusAcquiringMedia, Settled: store.StatusMediaAcquired,
			Handler: &mediaHandler{acquirer: media.NewAcquirer(cfg, layout, logger), layout: layout, logger: logger}, Timeout: time.Minute},
		{Name: PhaseDiarize, Processing: store.StatusDiarizing, Settled: store.StatusDiarized,
			Handler: &diarizeHandler{cfg: cfg, store: st, service: svc, layout: layout, logger: logger}, Timeout: time.Minute},
		{Name: PhaseAlign, Processing: store.StatusAligning, Settled: store.StatusAligned,
			Handler: &alignHandler{store: st, engine: engine, logger: logger}},
		{Name: PhaseRefine, Processing: store.StatusRefining, Settled: store.StatusRefined,
			Handler: &refineHandler{store: st, refiner: refiner}, Timeout: time.Minute},
		{Name: PhaseEmbed, Processing: store.StatusEmbedding, Settled: store.StatusEmbedded,
			Handler: &embedHandler{embedder: embedder}},
	}
}

type e2eEnv struct {
	cfg      *config.Config
	store    *store.Store
	layout   *archive.Layout
	notifier *recordingNotifier
	svc      *diarize.Service
	orch     *Orchestrator
	source   *htmlScraper
	listing  scraper.Listing
	mayor    *store.Person
	bell     *store.Person
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()
	ctx := context.Background()

	llmSrv := newExtractionServer(t)
	embedSrv := newEmbeddingsServer(t)

	cfg := testsupport.NewConfig(t, func(c *config.Config) {
		c.Diarization.Enabled = true
		c.LLM.BaseURL = llmSrv.URL
		c.Embeddings.BaseURL = embedSrv.URL
	})
	st := testsupport.MustOpenStore(t, cfg)
	layout := archive.NewLayout(cfg)

	mayor, err := st.EnsurePerson(ctx, "Mayor Ortiz", textutil.NormalizeName("Mayor Ortiz"), "mayor")
	if err != nil {
		t.Fatalf("EnsurePerson: %v", err)
	}
	bell, err := st.EnsurePerson(ctx, "Councillor Bell", textutil.NormalizeName("Councillor Bell"), "councillor")
	if err != nil {
		t.Fatalf("EnsurePerson: %v", err)
	}
	if _, err := st.AddVoiceFingerprint(ctx, mayor.ID, "chambers", []float32{1, 0, 0}); err != nil {
		t.Fatalf("AddVoiceFingerprint: %v", err)
	}
	if _, err := st.AddVoiceFingerprint(ctx, bell.ID, "chambers", []float32{0, 1, 0}); err != nil {
		t.Fatalf("AddVoiceFingerprint: %v", err)
	}

	listing := scraper.Listing{
		ExternalID:  "M-500",
		Title:       "Regular Council",
		MeetingType: "council",
		Status:      "final",
		Documents: []scraper.DocumentRef{
			{Kind: store.DocAgenda, URL: "https://rivervale.civicweb.net/M-500/agenda.html"},
		},
	}
	source := &htmlScraper{listings: []scraper.Listing{listing}, body: []byte(e2eAgendaHTML)}
	registry := scraper.NewRegistry()
	registry.Register(config.PlatformCivicWeb, func(muni config.Municipality, client *http.Client, logger *slog.Logger) (scraper.Scraper, error) {
		return source, nil
	})

	// The archive paths only depend on municipality and external ID,
	// so a transient meeting stands in before the row exists.
	ref := &store.Meeting{Municipality: "rivervale", ExternalID: "M-500"}
	audioPath := layout.AudioPath(ref)
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(audioPath, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	svc := diarize.NewService(cfg.Diarization, nil)
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) error {
		out := filepath.Join(layout.MeetingDir(ref), "meeting.json")
		return os.WriteFile(out, []byte(e2eDiarizationJSON), 0o644)
	})

	notifier := &recordingNotifier{}
	orch := New(cfg, st, registry, notifier, nil, WithPhases(realPhases(cfg, st, layout, svc)))
	return &e2eEnv{
		cfg: cfg, store: st, layout: layout, notifier: notifier, svc: svc,
		orch: orch, source: source, listing: listing, mayor: mayor, bell: bell,
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	env := newE2EEnv(t)
	ctx := context.Background()

	summary, err := env.orch.Run(ctx, "rivervale")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Detected != 1 || summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 detected, 1 completed", summary)
	}

	meeting := mustGetMeeting(t, env.store, "M-500")
	if meeting.Status != store.StatusCompleted {
		t.Fatalf("meeting status = %s, want completed", meeting.Status)
	}
	if !meeting.HasAgenda || !meeting.HasTranscript {
		t.Errorf("content flags agenda=%v transcript=%v, want both", meeting.HasAgenda, meeting.HasTranscript)
	}

	items, err := env.store.ListAgendaItems(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListAgendaItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("agenda items = %d, want 2", len(items))
	}
	if items[0].Title != "Adoption of Minutes" || items[1].Title != "New Business" {
		t.Errorf("agenda titles = %q, %q", items[0].Title, items[1].Title)
	}
	for _, item := range items {
		if item.WindowStart == nil || item.WindowEnd == nil {
			t.Fatalf("item %q has null window", item.Title)
		}
		if item.WindowSource != store.WindowText {
			t.Errorf("item %q window source = %s, want text", item.Title, item.WindowSource)
		}
		if item.Summary == "" {
			t.Errorf("item %q missing summary", item.Title)
		}
	}
	if *items[0].WindowStart != 0 {
		t.Errorf("first window starts at %v, want 0", *items[0].WindowStart)
	}
	if *items[0].WindowEnd != *items[1].WindowStart {
		t.Errorf("windows not contiguous: [%v, %v] then [%v, %v]",
			*items[0].WindowStart, *items[0].WindowEnd, *items[1].WindowStart, *items[1].WindowEnd)
	}
	if *items[1].WindowEnd != 120 {
		t.Errorf("last window ends at %v, want recording end", *items[1].WindowEnd)
	}
	if items[1].Category != "land use" {
		t.Errorf("second item category = %q, want %q", items[1].Category, "land use")
	}
	if items[1].MatterID == nil {
		t.Error("second item not linked to a matter")
	}

	segments, err := env.store.ListSegments(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 4 {
		t.Fatalf("segments = %d, want 4", len(segments))
	}
	for _, seg := range segments {
		if seg.PersonID == nil {
			t.Errorf("segment %q not identified", seg.SpeakerLabel)
		}
		if len(seg.Embedding) == 0 {
			t.Errorf("segment at %vs has no embedding", seg.StartSec)
		}
	}
	if segments[0].SpeakerLabel != "Mayor Ortiz" || *segments[0].PersonID != env.mayor.ID {
		t.Errorf("first segment speaker = %q (person %v), want Mayor Ortiz", segments[0].SpeakerLabel, segments[0].PersonID)
	}
	if segments[1].SpeakerLabel != "Councillor Bell" || *segments[1].PersonID != env.bell.ID {
		t.Errorf("second segment speaker = %q, want Councillor Bell", segments[1].SpeakerLabel)
	}

	motions, err := env.store.ListMotions(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListMotions: %v", err)
	}
	if len(motions) != 1 {
		t.Fatalf("motions = %d, want 1", len(motions))
	}
	motion := motions[0]
	if motion.Result != "carried" {
		t.Errorf("motion result = %q, want carried", motion.Result)
	}
	if motion.AgendaItemID == nil || *motion.AgendaItemID != items[0].ID {
		t.Errorf("motion agenda item = %v, want %d", motion.AgendaItemID, items[0].ID)
	}
	if motion.MoverPersonID == nil || *motion.MoverPersonID != env.bell.ID {
		t.Errorf("motion mover = %v, want person %d", motion.MoverPersonID, env.bell.ID)
	}
	if len(motion.Votes) != 2 {
		t.Fatalf("votes = %d, want 2", len(motion.Votes))
	}
	for _, vote := range motion.Votes {
		if vote.Value != "yes" {
			t.Errorf("vote by %q = %q, want yes", vote.MemberName, vote.Value)
		}
		if vote.PersonID == nil {
			t.Errorf("vote by %q not linked to a person", vote.MemberName)
		}
	}
	if len(motion.Embedding) == 0 {
		t.Error("motion has no embedding")
	}

	statements, err := env.store.ListKeyStatements(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListKeyStatements: %v", err)
	}
	if len(statements) != 1 {
		t.Fatalf("key statements = %d, want 1", len(statements))
	}
	if statements[0].Speaker != "Mayor Ortiz" {
		t.Errorf("statement speaker = %q", statements[0].Speaker)
	}
	if statements[0].AgendaItemID == nil || *statements[0].AgendaItemID != items[1].ID {
		t.Errorf("statement agenda item = %v, want %d", statements[0].AgendaItemID, items[1].ID)
	}
	if len(statements[0].Embedding) == 0 {
		t.Error("statement has no embedding")
	}
}

type meetingRowCounts struct {
	agendaItems int
	segments    int
	motions     int
	votes       int
	statements  int
	documents   int
	sections    int
}

func countMeetingRows(t *testing.T, st *store.Store, meetingID int64) meetingRowCounts {
	t.Helper()
	ctx := context.Background()
	var counts meetingRowCounts

	items, err := st.ListAgendaItems(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListAgendaItems: %v", err)
	}
	counts.agendaItems = len(items)

	segments, err := st.ListSegments(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	counts.segments = len(segments)

	motions, err := st.ListMotions(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListMotions: %v", err)
	}
	counts.motions = len(motions)
	for _, motion := range motions {
		counts.votes += len(motion.Votes)
	}

	statements, err := st.ListKeyStatements(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListKeyStatements: %v", err)
	}
	counts.statements = len(statements)

	docs, err := st.ListDocuments(ctx, meetingID)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	counts.documents = len(docs)
	for _, doc := range docs {
		sections, err := st.ListSections(ctx, doc.ID)
		if err != nil {
			t.Fatalf("ListSections: %v", err)
		}
		counts.sections += len(sections)
	}
	return counts
}

func TestPipelineRerunOnUnchangedInputChangesNothing(t *testing.T) {
	env := newE2EEnv(t)
	ctx := context.Background()

	if _, err := env.orch.Run(ctx, "rivervale"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	meeting := mustGetMeeting(t, env.store, "M-500")
	before := countMeetingRows(t, env.store, meeting.ID)

	// A second run sees no source changes and processes nothing.
	summary, err := env.orch.Run(ctx, "rivervale")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Detected != 0 || summary.Resumed != 0 || len(summary.Outcomes) != 0 {
		t.Fatalf("unchanged source must process nothing, summary = %+v", summary)
	}
	if after := countMeetingRows(t, env.store, meeting.ID); after != before {
		t.Fatalf("row counts drifted without processing: %+v -> %+v", before, after)
	}

	// Pushing the completed meeting back through the phases re-runs
	// align, refine, and embed against identical inputs; every
	// replace-set write must land on the same row counts.
	change := updates.MeetingChange{Meeting: meeting, Listing: env.listing}
	outcome, fatal := env.orch.processMeeting(ctx, "rivervale", env.cfg.Municipalities["rivervale"], env.source, change)
	if fatal != nil {
		t.Fatalf("processMeeting: %v", fatal)
	}
	if outcome.Status != store.StatusCompleted {
		t.Fatalf("rerun outcome = %+v, want completed", outcome)
	}
	if after := countMeetingRows(t, env.store, meeting.ID); after != before {
		t.Fatalf("rerun on unchanged input changed row counts: %+v -> %+v", before, after)
	}
}

func TestPipelineDiarizeFailureLeavesPartialMeeting(t *testing.T) {
	env := newE2EEnv(t)
	ctx := context.Background()
	env.svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) error {
		return errors.New("cuda out of memory")
	})

	summary, err := env.orch.Run(ctx, "rivervale")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 || summary.Completed != 0 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}

	meeting := mustGetMeeting(t, env.store, "M-500")
	if meeting.Status != store.StatusFailed {
		t.Fatalf("meeting status = %s, want failed", meeting.Status)
	}
	if meeting.LastSettledStatus != store.StatusMediaAcquired {
		t.Errorf("last settled = %s, want media_acquired", meeting.LastSettledStatus)
	}
	if meeting.ErrorMessage == "" {
		t.Error("failed meeting missing error message")
	}

	items, err := env.store.ListAgendaItems(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListAgendaItems: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("agenda items = %d, want 2 from the scrape phase", len(items))
	}
	segments, err := env.store.ListSegments(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("segments = %d, want none", len(segments))
	}
	if len(env.notifier.failed) != 1 {
		t.Errorf("failure notifications = %d, want 1", len(env.notifier.failed))
	}
}
