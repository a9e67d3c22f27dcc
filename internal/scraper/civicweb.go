package scraper

import (
	"context"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/net/html"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
)

// CivicWeb scrapes document-portal sites that render the meeting
// calendar as HTML. Each meeting row carries a portal identifier, a
// scheduled time, and links to its published documents.
type CivicWeb struct {
	cfg    config.Municipality
	client *http.Client
	logger *slog.Logger
}

// NewCivicWeb constructs the CivicWeb portal scraper.
func NewCivicWeb(cfg config.Municipality, client *http.Client, logger *slog.Logger) (Scraper, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CivicWeb{
		cfg:    cfg,
		client: client,
		logger: logger.With(logging.String("component", "scraper.civicweb")),
	}, nil
}

func (s *CivicWeb) listingURL() string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/Portal/MeetingSchedule.aspx"
}

func (s *CivicWeb) ListMeetings(ctx context.Context) ([]Listing, error) {
	body, err := getWithRetry(ctx, s.client, s.listingURL())
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(body)
	if err != nil {
		return nil, services.Wrap(services.ErrParse, "scrape", "parse listing", "Portal returned unparseable HTML", err)
	}

	rows := findAll(doc, func(n *html.Node) bool {
		return hasClass(n, "meeting-row")
	})
	listings := make([]Listing, 0, len(rows))
	for _, row := range rows {
		listing, ok := s.parseRow(row)
		if !ok {
			s.logger.Warn("skipping malformed meeting row",
				logging.String("row_text", truncate(textContent(row), 120)))
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func (s *CivicWeb) parseRow(row *html.Node) (Listing, bool) {
	externalID := attr(row, "data-meeting-id")
	if externalID == "" {
		return Listing{}, false
	}
	listing := Listing{ExternalID: externalID}

	if title := findFirst(row, func(n *html.Node) bool { return hasClass(n, "meeting-title") }); title != nil {
		listing.Title = textContent(title)
	}
	if listing.Title == "" {
		return Listing{}, false
	}
	if node := findFirst(row, func(n *html.Node) bool { return elementIs(n, "time") }); node != nil {
		if parsed, err := time.Parse(time.RFC3339, attr(node, "datetime")); err == nil {
			utc := parsed.UTC()
			listing.ScheduledAt = &utc
		}
	}
	if listing.ScheduledAt == nil {
		return Listing{}, false
	}
	listing.MeetingType = strings.ToLower(attr(row, "data-meeting-type"))
	listing.Status = strings.ToLower(attr(row, "data-status"))
	if listing.Status == "" {
		listing.Status = "scheduled"
	}

	for _, link := range findAll(row, func(n *html.Node) bool { return elementIs(n, "a") }) {
		href := attr(link, "href")
		if href == "" {
			continue
		}
		label := textContent(link)
		switch {
		case hasClass(link, "video-link"):
			listing.VideoRef = absoluteURL(s.cfg.BaseURL, href)
			listing.HasVideo = true
		case hasClass(link, "document-link"):
			listing.Documents = append(listing.Documents, DocumentRef{
				Kind: documentKindFor(label),
				URL:  absoluteURL(s.cfg.BaseURL, href),
			})
		}
	}
	return listing, true
}

func (s *CivicWeb) FetchDocuments(ctx context.Context, listing Listing) ([]RawDocument, error) {
	return fetchDocuments(ctx, s.client, s.logger, listing)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
