package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hansard/internal/services"
)

const maxFetchAttempts = 4

// getWithRetry issues a GET with bounded exponential backoff. Server and
// network errors retry; client errors are permanent. Exhausted retries
// surface as a SourceUnavailable failure for the caller to record
// against the affected meeting.
func getWithRetry(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	return doWithRetry(ctx, client, url, nil)
}

func doWithRetry(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "hansard/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		data, readErr := drainBody(resp)
		if readErr != nil {
			return readErr
		}
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("source returned status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("source returned status %d", resp.StatusCode))
		}
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 15 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxFetchAttempts-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, services.Wrap(
			services.ErrSourceUnavailable,
			"scrape",
			"fetch url",
			fmt.Sprintf("Fetch failed after %d attempts: %s", maxFetchAttempts, url),
			err,
		)
	}
	return body, nil
}
