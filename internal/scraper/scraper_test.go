package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
)

const civicwebPage = `<!DOCTYPE html>
<html><body>
<div class="meeting-row" data-meeting-id="cw-101" data-meeting-type="regular" data-status="occurred">
  <span class="meeting-title">Regular Council Meeting</span>
  <time datetime="2026-03-10T19:00:00Z">March 10, 2026</time>
  <a class="document-link" href="/documents/agenda-101.pdf">Agenda</a>
  <a class="document-link" href="/documents/minutes-101.pdf">Minutes</a>
  <a class="video-link" href="/video/101">Watch</a>
</div>
<div class="meeting-row" data-meeting-id="cw-102">
  <span class="meeting-title">Committee of the Whole</span>
</div>
<div class="meeting-row" data-meeting-id="cw-103" data-meeting-type="special">
  <span class="meeting-title">Special Meeting</span>
  <time datetime="2026-03-12T18:30:00Z">March 12, 2026</time>
  <a class="document-link" href="/documents/agenda-103.pdf">Agenda Package</a>
</div>
</body></html>`

func TestCivicWebListMeetings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Portal/MeetingSchedule.aspx" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(civicwebPage))
	}))
	defer srv.Close()

	s, err := NewCivicWeb(config.Municipality{Name: "Rivervale", Platform: "civicweb", BaseURL: srv.URL}, srv.Client(), logging.NewNop())
	if err != nil {
		t.Fatalf("NewCivicWeb: %v", err)
	}
	listings, err := s.ListMeetings(context.Background())
	if err != nil {
		t.Fatalf("ListMeetings: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("dateless row must be skipped, not fatal: got %d listings", len(listings))
	}

	first := listings[0]
	if first.ExternalID != "cw-101" || first.Title != "Regular Council Meeting" {
		t.Fatalf("unexpected listing: %#v", first)
	}
	if first.Status != "occurred" || first.MeetingType != "regular" {
		t.Fatalf("row attributes not parsed: %#v", first)
	}
	if len(first.Documents) != 2 {
		t.Fatalf("expected two documents: %#v", first.Documents)
	}
	if first.Documents[1].Kind != "minutes" {
		t.Fatalf("minutes link not classified: %#v", first.Documents[1])
	}
	if !first.HasVideo || !strings.HasPrefix(first.VideoRef, srv.URL) {
		t.Fatalf("video link not resolved: %#v", first)
	}
	if first.ScheduledAt == nil || first.ScheduledAt.Hour() != 19 {
		t.Fatalf("scheduled time not parsed: %#v", first.ScheduledAt)
	}
}

const legistarEvents = `[
  {"EventId": 9001, "EventBodyName": "City Council", "EventDate": "2026-04-01T00:00:00",
   "EventTime": "6:30 PM", "EventAgendaFile": "https://docs.example/agenda-9001.pdf",
   "EventMinutesFile": "https://docs.example/minutes-9001.pdf",
   "EventVideoPath": "https://video.example/9001"},
  {"EventId": 0, "EventBodyName": "Broken Row", "EventDate": "2026-04-02T00:00:00"}
]`

const legistarItems = `[
  {"EventItemId": 1, "EventItemTitle": "Bylaw 2026-04",
   "EventItemActionText": "THAT Bylaw 2026-04 be adopted.",
   "EventItemPassedFlagName": "Carried", "EventItemMover": "Jane Smith",
   "EventItemVoteInfo": [
     {"VotePersonName": "Jane Smith", "VoteValueName": "Yes"},
     {"VotePersonName": "John Doe", "VoteValueName": "No"}
   ]},
  {"EventItemId": 2, "EventItemTitle": "Presentations", "EventItemPassedFlagName": ""}
]`

func TestLegistarStructuredMotions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/events":
			w.Write([]byte(legistarEvents))
		case strings.HasSuffix(r.URL.Path, "/eventitems"):
			w.Write([]byte(legistarItems))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewLegistar(config.Municipality{Name: "Rivervale", Platform: "legistar", BaseURL: srv.URL, APIKey: "secret"}, srv.Client(), logging.NewNop())
	if err != nil {
		t.Fatalf("NewLegistar: %v", err)
	}
	listings, err := s.ListMeetings(context.Background())
	if err != nil {
		t.Fatalf("ListMeetings: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("zero-id event must be skipped: got %d", len(listings))
	}

	listing := listings[0]
	if listing.ExternalID != "9001" || listing.Status != "occurred" {
		t.Fatalf("unexpected listing: %#v", listing)
	}
	if listing.ScheduledAt == nil || listing.ScheduledAt.Hour() != 18 || listing.ScheduledAt.Minute() != 30 {
		t.Fatalf("event time not applied: %#v", listing.ScheduledAt)
	}
	if len(listing.StructuredMotions) != 1 {
		t.Fatalf("expected one structured motion: %#v", listing.StructuredMotions)
	}
	motion := listing.StructuredMotions[0]
	if motion.Result != "carried" || motion.Mover != "Jane Smith" || len(motion.Votes) != 2 {
		t.Fatalf("unexpected motion: %#v", motion)
	}
	if motion.Votes[1].Value != "no" {
		t.Fatalf("vote value not normalized: %#v", motion.Votes[1])
	}
}

const staticPage = `<!DOCTYPE html>
<html><body>
<h1>Council Meetings</h1>
<h2>Regular Council Meeting - March 10, 2026</h2>
<ul>
  <li><a href="/docs/2026-03-10-agenda.pdf">Agenda</a></li>
  <li><a href="/docs/2026-03-10-minutes.pdf">Minutes</a></li>
  <li><a href="https://video.example/watch/123">Video recording</a></li>
</ul>
<h2>Planning Committee - March 12, 2026</h2>
<ul>
  <li><a href="/docs/2026-03-12-agenda.pdf">Agenda</a></li>
</ul>
<h2>Notices</h2>
<p><a href="/docs/notice.pdf">Road closure notice</a></p>
</body></html>`

func TestStaticHTMLGroupsLinksByHeading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(staticPage))
	}))
	defer srv.Close()

	s, err := NewStaticHTML(config.Municipality{Name: "Rivervale", Platform: "statichtml", BaseURL: srv.URL}, srv.Client(), logging.NewNop())
	if err != nil {
		t.Fatalf("NewStaticHTML: %v", err)
	}
	listings, err := s.ListMeetings(context.Background())
	if err != nil {
		t.Fatalf("ListMeetings: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("dateless heading must be skipped: got %d listings", len(listings))
	}

	council := listings[0]
	if council.ExternalID != "2026-03-10-regular_council_meeting" {
		t.Fatalf("unexpected external id: %q", council.ExternalID)
	}
	if len(council.Documents) != 2 || !council.HasVideo {
		t.Fatalf("links not grouped under heading: %#v", council)
	}
	committee := listings[1]
	if committee.MeetingType != "committee" || len(committee.Documents) != 1 {
		t.Fatalf("unexpected committee listing: %#v", committee)
	}
}

func TestFetchDocumentsFailsWhenDownloadExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("%PDF-1.4 content"))
	}))
	defer srv.Close()

	listing := Listing{
		ExternalID: "m-1",
		Documents: []DocumentRef{
			{Kind: "agenda", URL: srv.URL + "/agenda.pdf"},
			{Kind: "minutes", URL: srv.URL + "/missing.pdf"},
		},
	}
	docs, err := fetchDocuments(context.Background(), srv.Client(), logging.NewNop(), listing)
	if err == nil {
		t.Fatal("a permanently failing document must fail the fetch")
	}
	if !errors.Is(err, services.ErrSourceUnavailable) {
		t.Fatalf("error = %v, want source unavailable", err)
	}
	if !strings.Contains(err.Error(), "missing.pdf") {
		t.Errorf("error does not name the failing document: %v", err)
	}
	// The reachable document is still downloaded so a retry of the
	// meeting does not start from nothing.
	if len(docs) != 1 || docs[0].Ref.Kind != "agenda" {
		t.Fatalf("reachable documents must still download: %#v", docs)
	}
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()
	if got := registry.Platforms(); len(got) != 3 {
		t.Fatalf("expected three built-in platforms: %v", got)
	}

	if _, err := registry.ForMunicipality(config.Municipality{Platform: "civicweb", BaseURL: "https://example.com"}, nil, logging.NewNop()); err != nil {
		t.Fatalf("civicweb dispatch: %v", err)
	}
	if _, err := registry.ForMunicipality(config.Municipality{Platform: "granicus"}, nil, logging.NewNop()); err == nil {
		t.Fatal("unknown platform must fail")
	}
}
