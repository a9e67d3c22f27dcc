package updates

import (
	"context"
	"testing"

	"hansard/internal/archive"
	"hansard/internal/scraper"
	"hansard/internal/testsupport"
)

func TestDetectReportsOnlyChangedMeetings(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	layout := archive.NewLayout(cfg)
	detector := NewDetector(st, layout, nil)
	ctx := context.Background()

	// Known meeting with its agenda already archived and video ingested.
	settled := testsupport.NewMeeting(t, st, "rivervale", "2026-05-19-regular", "Regular Council Meeting")
	settled.HasVideo = true
	if err := st.UpdateMeeting(ctx, settled); err != nil {
		t.Fatalf("UpdateMeeting: %v", err)
	}
	agendaURL := "https://rivervale.civicweb.net/docs/agenda-0519.pdf"
	if err := layout.WriteFile(layout.DocumentPath(settled, "agenda", agendaURL), []byte("agenda body")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Known meeting whose source grew a minutes document.
	grown := testsupport.NewMeeting(t, st, "rivervale", "2026-05-05-regular", "Regular Council Meeting")
	grownAgendaURL := "https://rivervale.civicweb.net/docs/agenda-0505.pdf"
	if err := layout.WriteFile(layout.DocumentPath(grown, "agenda", grownAgendaURL), []byte("agenda body")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	listings := []scraper.Listing{
		{
			ExternalID: "2026-05-19-regular",
			Title:      "Regular Council Meeting",
			Documents:  []scraper.DocumentRef{{Kind: "agenda", URL: agendaURL}},
			HasVideo:   true,
		},
		{
			ExternalID: "2026-05-05-regular",
			Title:      "Regular Council Meeting",
			Documents: []scraper.DocumentRef{
				{Kind: "agenda", URL: grownAgendaURL},
				{Kind: "minutes", URL: "https://rivervale.civicweb.net/docs/minutes-0505.pdf"},
			},
		},
		{
			ExternalID: "2026-06-02-regular",
			Title:      "Regular Council Meeting",
			Documents:  []scraper.DocumentRef{{Kind: "agenda", URL: "https://rivervale.civicweb.net/docs/agenda-0602.pdf"}},
			HasVideo:   true,
		},
	}

	report, err := detector.Detect(ctx, "rivervale", listings)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if report.Empty() {
		t.Fatal("report should not be empty")
	}
	if len(report.Changes) != 2 {
		t.Fatalf("expected 2 changed meetings, got %d", len(report.Changes))
	}

	byID := map[string]MeetingChange{}
	for _, change := range report.Changes {
		byID[change.Listing.ExternalID] = change
	}
	if _, ok := byID["2026-05-19-regular"]; ok {
		t.Fatal("fully settled meeting must be excluded from the report")
	}

	grownChange := byID["2026-05-05-regular"]
	if grownChange.Meeting == nil || grownChange.Meeting.ID != grown.ID {
		t.Fatal("known meeting should carry its database row")
	}
	if len(grownChange.NewDocuments) != 1 || grownChange.NewDocuments[0].Kind != "minutes" {
		t.Fatalf("expected only the minutes document as new, got %+v", grownChange.NewDocuments)
	}
	if grownChange.NewVideo {
		t.Fatal("listing without video must not report new video")
	}

	fresh := byID["2026-06-02-regular"]
	if fresh.Meeting != nil {
		t.Fatal("unseen listing should have no database row")
	}
	if len(fresh.NewDocuments) != 1 || !fresh.NewVideo {
		t.Fatalf("unseen listing should report all content as new, got %+v", fresh)
	}
}

func TestDetectIsReadOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	detector := NewDetector(st, archive.NewLayout(cfg), nil)
	ctx := context.Background()

	listings := []scraper.Listing{
		{
			ExternalID: "2026-06-02-regular",
			Title:      "Regular Council Meeting",
			Documents:  []scraper.DocumentRef{{Kind: "agenda", URL: "https://rivervale.civicweb.net/docs/agenda.pdf"}},
		},
	}
	if _, err := detector.Detect(ctx, "rivervale", listings); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	meeting, err := st.GetMeetingByExternalID(ctx, "rivervale", "2026-06-02-regular")
	if err != nil {
		t.Fatalf("GetMeetingByExternalID: %v", err)
	}
	if meeting != nil {
		t.Fatal("detection must not create meetings")
	}
}

func TestDetectVideoOnlyChange(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	layout := archive.NewLayout(cfg)
	detector := NewDetector(st, layout, nil)
	ctx := context.Background()

	meeting := testsupport.NewMeeting(t, st, "rivervale", "2026-05-19-regular", "Regular Council Meeting")
	agendaURL := "https://rivervale.civicweb.net/docs/agenda.pdf"
	if err := layout.WriteFile(layout.DocumentPath(meeting, "agenda", agendaURL), []byte("agenda body")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	report, err := detector.Detect(ctx, "rivervale", []scraper.Listing{
		{
			ExternalID: "2026-05-19-regular",
			Documents:  []scraper.DocumentRef{{Kind: "agenda", URL: agendaURL}},
			HasVideo:   true,
		},
	})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(report.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(report.Changes))
	}
	change := report.Changes[0]
	if !change.NewVideo || len(change.NewDocuments) != 0 {
		t.Fatalf("expected a video-only change, got %+v", change)
	}
}
