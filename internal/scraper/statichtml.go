package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/net/html"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/textutil"
)

// StaticHTML scrapes municipalities that publish meetings as a plain
// page of headings and document links: each h2/h3 heading names one
// meeting with its date, and the anchors that follow (until the next
// heading) are its documents.
type StaticHTML struct {
	cfg    config.Municipality
	client *http.Client
	logger *slog.Logger
}

// NewStaticHTML constructs the static-page scraper.
func NewStaticHTML(cfg config.Municipality, client *http.Client, logger *slog.Logger) (Scraper, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StaticHTML{
		cfg:    cfg,
		client: client,
		logger: logger.With(logging.String("component", "scraper.statichtml")),
	}, nil
}

var staticDateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
	"02/01/2006",
}

func (s *StaticHTML) ListMeetings(ctx context.Context) ([]Listing, error) {
	body, err := getWithRetry(ctx, s.client, s.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML(body)
	if err != nil {
		return nil, services.Wrap(services.ErrParse, "scrape", "parse page", "Meeting page returned unparseable HTML", err)
	}

	// Walk headings in document order; anchors between one heading and
	// the next belong to that heading's meeting.
	var listings []Listing
	var current *Listing
	flush := func() {
		if current != nil {
			listings = append(listings, *current)
			current = nil
		}
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case elementIs(n, "h2", "h3"):
				flush()
				listing, ok := s.parseHeading(textContent(n))
				if ok {
					current = &listing
				} else {
					s.logger.Warn("skipping heading without a parseable date",
						logging.String("heading", truncate(textContent(n), 120)))
				}
				return
			case elementIs(n, "a") && current != nil:
				s.attachLink(current, n)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	flush()
	return listings, nil
}

// parseHeading expects "Title - Date" or "Title, Date" style headings.
func (s *StaticHTML) parseHeading(heading string) (Listing, bool) {
	heading = strings.TrimSpace(heading)
	if heading == "" {
		return Listing{}, false
	}
	title := heading
	var scheduled *time.Time
	for _, sep := range []string{" - ", " – ", ", "} {
		idx := strings.LastIndex(heading, sep)
		if idx < 0 {
			continue
		}
		candidate := strings.TrimSpace(heading[idx+len(sep):])
		for _, layout := range staticDateLayouts {
			if parsed, err := time.Parse(layout, candidate); err == nil {
				utc := parsed.UTC()
				scheduled = &utc
				title = strings.TrimSpace(heading[:idx])
				break
			}
		}
		if scheduled != nil {
			break
		}
	}
	if scheduled == nil {
		return Listing{}, false
	}
	externalID := fmt.Sprintf("%s-%s", scheduled.Format("2006-01-02"), textutil.SanitizeToken(title))
	return Listing{
		ExternalID:  externalID,
		Title:       title,
		MeetingType: meetingTypeFor(title),
		ScheduledAt: scheduled,
		Status:      "scheduled",
	}, true
}

func (s *StaticHTML) attachLink(listing *Listing, n *html.Node) {
	href := attr(n, "href")
	if href == "" {
		return
	}
	label := textContent(n)
	url := absoluteURL(s.cfg.BaseURL, href)
	lowered := strings.ToLower(href)
	switch {
	case strings.Contains(lowered, "video") || strings.Contains(strings.ToLower(label), "video"):
		listing.VideoRef = url
		listing.HasVideo = true
	case strings.HasSuffix(lowered, ".pdf") || strings.HasSuffix(lowered, ".html") || strings.HasSuffix(lowered, ".docx"):
		listing.Documents = append(listing.Documents, DocumentRef{
			Kind: documentKindFor(label),
			URL:  url,
		})
	}
}

func (s *StaticHTML) FetchDocuments(ctx context.Context, listing Listing) ([]RawDocument, error) {
	return fetchDocuments(ctx, s.client, s.logger, listing)
}
