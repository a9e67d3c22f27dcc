package store_test

import (
	"context"
	"testing"
	"time"

	"hansard/internal/store"
	"hansard/internal/testsupport"
)

func TestUpsertMeetingIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first, err := st.UpsertMeeting(ctx, &store.Meeting{
		Municipality: "rivervale",
		ExternalID:   "2026-03-10-regular",
		Title:        "Regular Council Meeting",
	})
	if err != nil {
		t.Fatalf("UpsertMeeting: %v", err)
	}
	if first.ID == 0 || first.Status != store.StatusPending {
		t.Fatalf("unexpected meeting: %#v", first)
	}

	second, err := st.UpsertMeeting(ctx, &store.Meeting{
		Municipality: "rivervale",
		ExternalID:   "2026-03-10-regular",
		Title:        "Regular Council Meeting (Amended)",
	})
	if err != nil {
		t.Fatalf("second UpsertMeeting: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a duplicate row: %d vs %d", second.ID, first.ID)
	}
	if second.Title != "Regular Council Meeting (Amended)" {
		t.Fatalf("listing fields should refresh: %q", second.Title)
	}
}

func TestUpsertMeetingPreservesPipelineState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-1", "Meeting")
	meeting.Status = store.StatusDiarized
	meeting.HasTranscript = true
	if err := st.UpdateMeeting(ctx, meeting); err != nil {
		t.Fatalf("UpdateMeeting: %v", err)
	}

	refreshed, err := st.UpsertMeeting(ctx, &store.Meeting{
		Municipality: "rivervale",
		ExternalID:   "m-1",
		Title:        "Meeting retitled",
	})
	if err != nil {
		t.Fatalf("UpsertMeeting: %v", err)
	}
	if refreshed.Status != store.StatusDiarized || !refreshed.HasTranscript {
		t.Fatalf("upsert must not clobber pipeline state: %#v", refreshed)
	}
}

func TestMeetingMetaRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-meta", "Meeting")
	meeting.Meta["video_url"] = "https://video.example/stream.m3u8"
	meeting.Meta["video_url_expires"] = time.Now().UTC().Format(time.RFC3339)
	if err := st.UpdateMeeting(ctx, meeting); err != nil {
		t.Fatalf("UpdateMeeting: %v", err)
	}

	fetched, err := st.GetMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if fetched.Meta["video_url"] != "https://video.example/stream.m3u8" {
		t.Fatalf("meta did not round-trip: %#v", fetched.Meta)
	}
}

func TestResetStuckProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	cases := []struct {
		name     string
		stuck    store.Status
		expected store.Status
	}{
		{"scraping", store.StatusScraping, store.StatusPending},
		{"acquiring_media", store.StatusAcquiringMedia, store.StatusScraped},
		{"diarizing", store.StatusDiarizing, store.StatusMediaAcquired},
		{"aligning", store.StatusAligning, store.StatusDiarized},
		{"refining", store.StatusRefining, store.StatusAligned},
		{"embedding", store.StatusEmbedding, store.StatusRefined},
	}
	ids := make([]int64, len(cases))
	for i, tc := range cases {
		meeting := testsupport.NewMeeting(t, st, "rivervale", "stuck-"+tc.name, "Meeting")
		meeting.Status = tc.stuck
		if err := st.UpdateMeeting(ctx, meeting); err != nil {
			t.Fatalf("UpdateMeeting: %v", err)
		}
		ids[i] = meeting.ID
	}

	reset, err := st.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if reset != int64(len(cases)) {
		t.Fatalf("expected %d resets, got %d", len(cases), reset)
	}
	for i, tc := range cases {
		meeting, err := st.GetMeeting(ctx, ids[i])
		if err != nil {
			t.Fatalf("GetMeeting: %v", err)
		}
		if meeting.Status != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, meeting.Status)
		}
	}
}

func TestIngestDocumentReplaceOnHashChange(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-doc", "Meeting")
	doc := store.Document{
		MeetingID:   meeting.ID,
		Kind:        store.DocAgenda,
		SourceURL:   "https://rivervale.civicweb.net/agenda.pdf",
		ContentHash: "hash-a",
	}
	sections := []store.Section{
		{Title: "CALL TO ORDER", Body: "The meeting was called to order.", ContentHash: "s1"},
		{Title: "BYLAWS", Body: "Bylaw 2026-04 was introduced.", ContentHash: "s2"},
	}

	first, err := st.IngestDocument(ctx, doc, sections)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if !first.Changed {
		t.Fatal("first ingest should report a change")
	}

	// Same hash: no-op.
	again, err := st.IngestDocument(ctx, doc, sections)
	if err != nil {
		t.Fatalf("second IngestDocument: %v", err)
	}
	if again.Changed {
		t.Fatal("unchanged hash must be a no-op")
	}
	counts, err := st.CountsForMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("CountsForMeeting: %v", err)
	}
	if counts.Documents != 1 || counts.Sections != 2 {
		t.Fatalf("idempotent ingest produced counts %#v", counts)
	}

	// New hash: old document and sections replaced, not appended.
	doc.ContentHash = "hash-b"
	replaced, err := st.IngestDocument(ctx, doc, sections[:1])
	if err != nil {
		t.Fatalf("replacing IngestDocument: %v", err)
	}
	if !replaced.Changed {
		t.Fatal("hash change should report a change")
	}
	counts, err = st.CountsForMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("CountsForMeeting: %v", err)
	}
	if counts.Documents != 1 || counts.Sections != 1 {
		t.Fatalf("replacement produced counts %#v", counts)
	}

	fetched, err := st.GetMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if !fetched.HasAgenda {
		t.Fatal("has_agenda must commit with the document rows")
	}
}

func TestReplaceTranscriptIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-tr", "Meeting")
	segments := []store.Segment{
		{SpeakerLabel: "SPEAKER_00", StartSec: 0, EndSec: 12.5, Body: "Call to order."},
		{SpeakerLabel: "SPEAKER_01", StartSec: 12.5, EndSec: 30, Body: "Thank you."},
		{SpeakerLabel: "SPEAKER_00", StartSec: 30, EndSec: 48, TranscribeFailed: true},
	}

	for i := 0; i < 2; i++ {
		if _, err := st.ReplaceTranscript(ctx, meeting.ID, segments); err != nil {
			t.Fatalf("ReplaceTranscript pass %d: %v", i, err)
		}
	}
	counts, err := st.CountsForMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("CountsForMeeting: %v", err)
	}
	if counts.Segments != 3 {
		t.Fatalf("re-running diarization duplicated segments: %d", counts.Segments)
	}

	fetched, err := st.GetMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if !fetched.HasTranscript {
		t.Fatal("has_transcript must commit with the segment rows")
	}

	listed, err := st.ListSegments(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(listed) != 3 || !listed[2].TranscribeFailed || listed[2].Body != "" {
		t.Fatalf("stage-failure marker lost: %#v", listed[2])
	}
}

func TestReplaceRefinementReplacesVotesAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-ref", "Meeting")
	motions := []store.Motion{
		{
			Body:   "THAT Bylaw 2026-04 be adopted.",
			Result: "carried",
			Votes: []store.Vote{
				{MemberName: "Jane Smith", Value: "yes"},
				{MemberName: "John Doe", Value: "no"},
			},
		},
	}
	statements := []store.KeyStatement{
		{Speaker: "Jane Smith", Body: "This bylaw enables the housing project."},
	}

	for i := 0; i < 2; i++ {
		if _, _, err := st.ReplaceRefinement(ctx, meeting.ID, motions, statements); err != nil {
			t.Fatalf("ReplaceRefinement pass %d: %v", i, err)
		}
	}
	counts, err := st.CountsForMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("CountsForMeeting: %v", err)
	}
	if counts.Motions != 1 || counts.Votes != 2 || counts.KeyStatements != 1 {
		t.Fatalf("re-refinement duplicated rows: %#v", counts)
	}

	fetchedMotions, err := st.ListMotions(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListMotions: %v", err)
	}
	if len(fetchedMotions) != 1 || len(fetchedMotions[0].Votes) != 2 {
		t.Fatalf("unexpected motions: %#v", fetchedMotions)
	}
}

func TestEnsurePersonAndMatter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	p1, err := st.EnsurePerson(ctx, "Jane Smith", "jane smith", "councillor")
	if err != nil {
		t.Fatalf("EnsurePerson: %v", err)
	}
	p2, err := st.EnsurePerson(ctx, "Councillor Jane Smith", "jane smith", "")
	if err != nil {
		t.Fatalf("second EnsurePerson: %v", err)
	}
	if p1.ID != p2.ID {
		t.Fatalf("normalized name must dedupe people: %d vs %d", p1.ID, p2.ID)
	}

	m1, err := st.EnsureMatter(ctx, "Bylaw 2026-04", "bylaw202604", "Housing bylaw")
	if err != nil {
		t.Fatalf("EnsureMatter: %v", err)
	}
	m2, err := st.EnsureMatter(ctx, "BY-LAW 2026 04", "bylaw202604", "")
	if err != nil {
		t.Fatalf("second EnsureMatter: %v", err)
	}
	if m1.ID != m2.ID {
		t.Fatalf("normalized identifier must dedupe matters: %d vs %d", m1.ID, m2.ID)
	}
}

func TestVoiceFingerprintRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	person, err := st.EnsurePerson(ctx, "Jane Smith", "jane smith", "councillor")
	if err != nil {
		t.Fatalf("EnsurePerson: %v", err)
	}
	vector := []float32{0.25, -0.5, 0.75}
	if _, err := st.AddVoiceFingerprint(ctx, person.ID, "council-2026", vector); err != nil {
		t.Fatalf("AddVoiceFingerprint: %v", err)
	}

	fingerprints, err := st.ListVoiceFingerprints(ctx)
	if err != nil {
		t.Fatalf("ListVoiceFingerprints: %v", err)
	}
	if len(fingerprints) != 1 || len(fingerprints[0].Vector) != 3 {
		t.Fatalf("unexpected fingerprints: %#v", fingerprints)
	}
	if fingerprints[0].Vector[2] != 0.75 {
		t.Fatalf("vector did not round-trip: %#v", fingerprints[0].Vector)
	}
}

func TestApplyEmbeddings(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-emb", "Meeting")
	segments, err := st.ReplaceTranscript(ctx, meeting.ID, []store.Segment{
		{SpeakerLabel: "SPEAKER_00", StartSec: 0, EndSec: 5, Body: "Hello."},
	})
	if err != nil {
		t.Fatalf("ReplaceTranscript: %v", err)
	}

	err = st.ApplyEmbeddings(ctx, []store.EmbeddingUpdate{
		{Target: store.TargetSegments, ID: segments[0].ID, ContentHash: "h1", Vector: []float32{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("ApplyEmbeddings: %v", err)
	}

	listed, err := st.ListSegments(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if listed[0].ContentHash != "h1" || len(listed[0].Embedding) != 3 {
		t.Fatalf("embedding not applied: %#v", listed[0])
	}

	if err := st.ApplyEmbeddings(ctx, []store.EmbeddingUpdate{{Target: "people", ID: 1}}); err == nil {
		t.Fatal("unknown target must be rejected")
	}
}

func TestAgendaWindowsDistinguishNullFromZero(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "m-win", "Meeting")
	items, err := st.ReplaceAgendaItems(ctx, meeting.ID, []store.AgendaItem{
		{OrderLabel: "1", Title: "Call to Order"},
		{OrderLabel: "2", Title: "Bylaw 2026-04"},
	})
	if err != nil {
		t.Fatalf("ReplaceAgendaItems: %v", err)
	}

	start, end := 0.0, 42.0
	items[0].WindowStart = &start
	items[0].WindowEnd = &end
	items[0].WindowSource = store.WindowText
	updatable := []*store.AgendaItem{&items[0], &items[1]}
	if err := st.UpdateAgendaWindows(ctx, updatable, nil); err != nil {
		t.Fatalf("UpdateAgendaWindows: %v", err)
	}

	fetched, err := st.ListAgendaItems(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ListAgendaItems: %v", err)
	}
	if fetched[0].WindowStart == nil || *fetched[0].WindowStart != 0 {
		t.Fatalf("time-zero window must persist as zero, got %#v", fetched[0].WindowStart)
	}
	if fetched[1].WindowStart != nil || fetched[1].WindowEnd != nil {
		t.Fatalf("unmatched item must keep null window: %#v", fetched[1])
	}
}
