package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
)

// Legistar scrapes legislative-API deployments. Unlike portal scrapers
// it receives structured JSON, including recorded votes per agenda
// item, which lets downstream refinement skip the language model.
type Legistar struct {
	cfg    config.Municipality
	client *http.Client
	logger *slog.Logger
}

// NewLegistar constructs the legislative-API scraper.
func NewLegistar(cfg config.Municipality, client *http.Client, logger *slog.Logger) (Scraper, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Legistar{
		cfg:    cfg,
		client: client,
		logger: logger.With(logging.String("component", "scraper.legistar")),
	}, nil
}

type legistarEvent struct {
	EventID          int    `json:"EventId"`
	EventBodyName    string `json:"EventBodyName"`
	EventDate        string `json:"EventDate"`
	EventTime        string `json:"EventTime"`
	EventAgendaFile  string `json:"EventAgendaFile"`
	EventMinutesFile string `json:"EventMinutesFile"`
	EventVideoPath   string `json:"EventVideoPath"`
	EventInSiteURL   string `json:"EventInSiteURL"`
}

type legistarEventItem struct {
	EventItemID             int            `json:"EventItemId"`
	EventItemTitle          string         `json:"EventItemTitle"`
	EventItemActionText     string         `json:"EventItemActionText"`
	EventItemPassedFlagName string         `json:"EventItemPassedFlagName"`
	EventItemMover          string         `json:"EventItemMover"`
	EventItemVoteInfo       []legistarVote `json:"EventItemVoteInfo"`
}

type legistarVote struct {
	VotePersonName string `json:"VotePersonName"`
	VoteValueName  string `json:"VoteValueName"`
}

func (s *Legistar) apiURL(path string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%stoken=%s", base, path, sep, s.cfg.APIKey)
}

func (s *Legistar) ListMeetings(ctx context.Context) ([]Listing, error) {
	body, err := getWithRetry(ctx, s.client, s.apiURL("/events"))
	if err != nil {
		return nil, err
	}
	var events []legistarEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, services.Wrap(services.ErrParse, "scrape", "decode events", "Legislative API returned unparseable JSON", err)
	}

	listings := make([]Listing, 0, len(events))
	for _, event := range events {
		listing, ok := s.toListing(event)
		if !ok {
			s.logger.Warn("skipping malformed event",
				logging.Int("event_id", event.EventID),
				logging.String("body", event.EventBodyName))
			continue
		}
		motions, err := s.fetchStructuredMotions(ctx, event.EventID)
		if err != nil {
			// Vote data is an enrichment; the listing itself still counts.
			s.logger.Warn("event item fetch failed, refinement will use the language model",
				logging.Int("event_id", event.EventID),
				logging.Error(err))
		} else {
			listing.StructuredMotions = motions
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func (s *Legistar) toListing(event legistarEvent) (Listing, bool) {
	if event.EventID == 0 || strings.TrimSpace(event.EventBodyName) == "" {
		return Listing{}, false
	}
	scheduled, err := parseLegistarDate(event.EventDate, event.EventTime)
	if err != nil {
		return Listing{}, false
	}
	listing := Listing{
		ExternalID:  strconv.Itoa(event.EventID),
		Title:       strings.TrimSpace(event.EventBodyName),
		MeetingType: meetingTypeFor(event.EventBodyName),
		ScheduledAt: &scheduled,
		Status:      "scheduled",
	}
	if url := strings.TrimSpace(event.EventAgendaFile); url != "" {
		listing.Documents = append(listing.Documents, DocumentRef{Kind: store.DocAgenda, URL: url})
	}
	if url := strings.TrimSpace(event.EventMinutesFile); url != "" {
		listing.Documents = append(listing.Documents, DocumentRef{Kind: store.DocMinutes, URL: url})
		listing.Status = "occurred"
	}
	if video := strings.TrimSpace(event.EventVideoPath); video != "" {
		listing.VideoRef = video
		listing.HasVideo = true
	}
	return listing, true
}

func (s *Legistar) fetchStructuredMotions(ctx context.Context, eventID int) ([]StructuredMotion, error) {
	body, err := getWithRetry(ctx, s.client, s.apiURL(fmt.Sprintf("/events/%d/eventitems?AgendaNote=1&MinutesNote=1&Attachments=0", eventID)))
	if err != nil {
		return nil, err
	}
	var items []legistarEventItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, services.Wrap(services.ErrParse, "scrape", "decode event items", "Legislative API returned unparseable event items", err)
	}

	var motions []StructuredMotion
	for _, item := range items {
		if strings.TrimSpace(item.EventItemPassedFlagName) == "" {
			continue
		}
		motion := StructuredMotion{
			Body:   firstNonEmpty(item.EventItemActionText, item.EventItemTitle),
			Result: strings.ToLower(strings.TrimSpace(item.EventItemPassedFlagName)),
			Mover:  strings.TrimSpace(item.EventItemMover),
		}
		if motion.Body == "" {
			continue
		}
		for _, vote := range item.EventItemVoteInfo {
			name := strings.TrimSpace(vote.VotePersonName)
			if name == "" {
				continue
			}
			motion.Votes = append(motion.Votes, MemberVote{
				Name:  name,
				Value: strings.ToLower(strings.TrimSpace(vote.VoteValueName)),
			})
		}
		motions = append(motions, motion)
	}
	return motions, nil
}

func (s *Legistar) FetchDocuments(ctx context.Context, listing Listing) ([]RawDocument, error) {
	return fetchDocuments(ctx, s.client, s.logger, listing)
}

func parseLegistarDate(date, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, fmt.Errorf("empty event date")
	}
	parsed, err := time.Parse("2006-01-02T15:04:05", date)
	if err != nil {
		return time.Time{}, err
	}
	if clock = strings.TrimSpace(clock); clock != "" {
		if t, terr := time.Parse("3:04 PM", clock); terr == nil {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		}
	}
	return parsed.UTC(), nil
}

func meetingTypeFor(bodyName string) string {
	lowered := strings.ToLower(bodyName)
	switch {
	case strings.Contains(lowered, "committee"):
		return "committee"
	case strings.Contains(lowered, "special"):
		return "special"
	default:
		return "regular"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
