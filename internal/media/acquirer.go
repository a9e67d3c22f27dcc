// Package media resolves and downloads meeting audio/video sources.
// Absence of media is a recorded gap, not a failure: later phases skip
// diarization when no audio exists.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"hansard/internal/archive"
	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
)

// Meeting meta keys used for the cached resolved stream URL.
const (
	MetaVideoRef        = "video_ref"
	MetaVideoURL        = "video_url"
	MetaVideoURLExpires = "video_url_expires"
)

// SourceKind distinguishes how the media URL was obtained.
type SourceKind string

const (
	SourceHosted SourceKind = "hosted"
	SourceInline SourceKind = "inline"
)

// Source is a resolved, directly downloadable media location.
type Source struct {
	URL       string
	Kind      SourceKind
	ExpiresAt time.Time
}

// Acquirer resolves video references into downloadable sources and
// fetches them into the archive.
type Acquirer struct {
	cfg    *config.Config
	layout *archive.Layout
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewAcquirer constructs a media acquirer.
func NewAcquirer(cfg *config.Config, layout *archive.Layout, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Acquirer{
		cfg:    cfg,
		layout: layout,
		client: &http.Client{Timeout: time.Duration(cfg.Workflow.DownloadTimeoutSeconds) * time.Second},
		logger: logger.With(logging.String("component", "media")),
		now:    time.Now,
	}
}

// WithClient overrides the HTTP client (used in tests).
func (a *Acquirer) WithClient(client *http.Client) *Acquirer {
	a.client = client
	return a
}

// WithClock overrides the time source (used in tests).
func (a *Acquirer) WithClock(now func() time.Time) *Acquirer {
	a.now = now
	return a
}

// Resolve turns the meeting's recorded video reference into a
// downloadable source. Resolution results are cached on the meeting's
// meta map with a TTL; the caller persists the mutated meeting. A nil
// source with nil error means the meeting simply has no media.
func (a *Acquirer) Resolve(ctx context.Context, muni config.Municipality, meeting *store.Meeting) (*Source, error) {
	ref := strings.TrimSpace(meeting.Meta[MetaVideoRef])
	if ref == "" {
		return nil, nil
	}
	logger := logging.WithContext(ctx, a.logger)

	if cached := a.cachedSource(meeting); cached != nil {
		logger.Debug("using cached stream url", logging.String("url", cached.URL))
		return cached, nil
	}

	if isDirectMediaURL(ref) {
		return &Source{URL: ref, Kind: SourceInline}, nil
	}

	source, err := a.resolveHosted(ctx, muni, ref)
	if err != nil {
		logger.Warn("hosted resolution failed, trying page extraction", logging.Error(err))
		source, err = a.extractFromPage(ctx, ref)
	}
	if err != nil {
		// Media absence is a gap: record it and move on.
		logger.Warn("no downloadable media source resolved", logging.String("video_ref", ref), logging.Error(err))
		return nil, nil
	}

	ttl := time.Duration(a.cfg.Workflow.VideoURLTTLHours) * time.Hour
	source.ExpiresAt = a.now().Add(ttl).UTC()
	meeting.Meta[MetaVideoURL] = source.URL
	meeting.Meta[MetaVideoURLExpires] = source.ExpiresAt.Format(time.RFC3339)
	return source, nil
}

func (a *Acquirer) cachedSource(meeting *store.Meeting) *Source {
	cached := strings.TrimSpace(meeting.Meta[MetaVideoURL])
	if cached == "" {
		return nil
	}
	expires, err := time.Parse(time.RFC3339, meeting.Meta[MetaVideoURLExpires])
	if err != nil || !a.now().Before(expires) {
		return nil
	}
	return &Source{URL: cached, Kind: SourceHosted, ExpiresAt: expires}
}

// resolveHosted asks the hosting platform's API for a direct stream URL.
func (a *Acquirer) resolveHosted(ctx context.Context, muni config.Municipality, ref string) (*Source, error) {
	base := strings.TrimSpace(muni.VideoBaseURL)
	if base == "" {
		return nil, fmt.Errorf("no video platform configured")
	}
	endpoint := strings.TrimRight(base, "/") + "/api/resolve?ref=" + url.QueryEscape(ref)
	body, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var payload struct {
		StreamURL string `json:"stream_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}
	if strings.TrimSpace(payload.StreamURL) == "" {
		return nil, fmt.Errorf("platform returned no stream url")
	}
	return &Source{URL: payload.StreamURL, Kind: SourceHosted}, nil
}

// extractFromPage is the fallback path: fetch the video page and look
// for a direct media link in its markup.
func (a *Acquirer) extractFromPage(ctx context.Context, ref string) (*Source, error) {
	body, err := a.get(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, token := range strings.FieldsFunc(string(body), func(r rune) bool {
		return r == '"' || r == '\'' || r == ' ' || r == '\n' || r == '\t' || r == '>' || r == '<'
	}) {
		if strings.HasPrefix(token, "http") && isDirectMediaURL(token) {
			return &Source{URL: token, Kind: SourceInline}, nil
		}
	}
	return nil, fmt.Errorf("no media link found in page")
}

// Download fetches the source into the meeting's archive audio slot,
// retrying transient failures with backoff. Returns the archive path.
func (a *Acquirer) Download(ctx context.Context, meeting *store.Meeting, src *Source) (string, error) {
	dest := a.layout.AudioPath(meeting)
	if _, err := a.layout.EnsureMeetingDir(meeting); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "media", "prepare archive", "Failed to create archive directory for media", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("media host returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("media host returned status %d", resp.StatusCode))
		}
		if _, err := a.layout.WriteStream(dest, resp.Body); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", services.Wrap(services.ErrSourceUnavailable, "media", "download", fmt.Sprintf("Media download failed: %s", src.URL), err)
	}
	return dest, nil
}

func (a *Acquirer) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func isDirectMediaURL(ref string) bool {
	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(parsed.Path)) {
	case ".mp4", ".m4a", ".mp3", ".wav", ".m3u8", ".webm", ".mkv":
		return true
	}
	return false
}
