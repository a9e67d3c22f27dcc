// Package scraper fetches meeting listings and source documents from
// municipal publishing platforms. Implementations are pure I/O plus
// parsing; pipeline state lives elsewhere.
package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"log/slog"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
)

// DocumentRef points at one downloadable document in a listing.
type DocumentRef struct {
	Kind string
	URL  string
}

// MemberVote records one member's recorded position on a motion.
type MemberVote struct {
	Name  string
	Value string
}

// StructuredMotion carries vote data the source platform already
// publishes in structured form. When a listing includes these the
// refinement phase can skip the language model entirely.
type StructuredMotion struct {
	Body   string
	Result string
	Mover  string
	Votes  []MemberVote
}

// Listing describes one meeting as reported by a source platform.
type Listing struct {
	ExternalID  string
	Title       string
	MeetingType string
	ScheduledAt *time.Time
	Status      string
	Documents   []DocumentRef
	VideoRef    string
	HasVideo    bool

	// StructuredMotions is populated only by platforms that expose
	// machine-readable vote records.
	StructuredMotions []StructuredMotion
}

// RawDocument is a fetched document body plus its provenance.
type RawDocument struct {
	Ref  DocumentRef
	Body []byte
}

// Scraper lists a municipality's meetings and fetches their documents.
type Scraper interface {
	// ListMeetings returns every meeting currently visible on the source,
	// skipping and logging malformed entries rather than failing the run.
	ListMeetings(ctx context.Context) ([]Listing, error)
	// FetchDocuments downloads the documents referenced by a listing.
	FetchDocuments(ctx context.Context, listing Listing) ([]RawDocument, error)
}

// Factory constructs a Scraper for one configured municipality.
type Factory func(cfg config.Municipality, client *http.Client, logger *slog.Logger) (Scraper, error)

// Registry maps platform tags to scraper factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in platforms registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(config.PlatformCivicWeb, NewCivicWeb)
	r.Register(config.PlatformLegistar, NewLegistar)
	r.Register(config.PlatformStaticHTML, NewStaticHTML)
	return r
}

// Register adds or replaces a factory for a platform tag.
func (r *Registry) Register(platform string, factory Factory) {
	r.factories[strings.ToLower(strings.TrimSpace(platform))] = factory
}

// Platforms returns the registered platform tags in sorted order.
func (r *Registry) Platforms() []string {
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ForMunicipality builds the scraper for a municipality's configured platform.
func (r *Registry) ForMunicipality(cfg config.Municipality, client *http.Client, logger *slog.Logger) (Scraper, error) {
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(cfg.Platform))]
	if !ok {
		return nil, services.Wrap(
			services.ErrConfiguration,
			"scrape",
			"resolve platform",
			fmt.Sprintf("No scraper registered for platform %q; known platforms: %s", cfg.Platform, strings.Join(r.Platforms(), ", ")),
			nil,
		)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return factory(cfg, client, logger)
}

// fetchDocuments is the shared document download loop used by all
// platform implementations. Every document is attempted so one bad
// link does not mask the rest, but a download that still fails after
// retries fails the call: the meeting must not settle with requested
// documents missing.
func fetchDocuments(ctx context.Context, client *http.Client, logger *slog.Logger, listing Listing) ([]RawDocument, error) {
	docs := make([]RawDocument, 0, len(listing.Documents))
	var failed []string
	for _, ref := range listing.Documents {
		if strings.TrimSpace(ref.URL) == "" {
			continue
		}
		body, err := getWithRetry(ctx, client, ref.URL)
		if err != nil {
			logger.Warn("document fetch failed",
				logging.String("url", ref.URL),
				logging.String("kind", ref.Kind),
				logging.Error(err))
			failed = append(failed, ref.URL)
			continue
		}
		docs = append(docs, RawDocument{Ref: ref, Body: body})
	}
	if len(failed) > 0 {
		return docs, services.Wrap(
			services.ErrSourceUnavailable,
			"scrape",
			"fetch documents",
			fmt.Sprintf("Failed to download %d document(s): %s", len(failed), strings.Join(failed, ", ")),
			nil,
		)
	}
	return docs, nil
}

func documentKindFor(label string) string {
	lowered := strings.ToLower(label)
	switch {
	case strings.Contains(lowered, "minute"):
		return store.DocMinutes
	case strings.Contains(lowered, "bylaw"), strings.Contains(lowered, "by-law"):
		return store.DocBylaw
	default:
		return store.DocAgenda
	}
}

func drainBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 128<<20))
}
