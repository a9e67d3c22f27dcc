// Package notifications pushes run outcomes to an ntfy topic. With no
// topic configured every call is a noop.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hansard/internal/config"
)

const userAgent = "Hansard/0.1.0"

// Service is the notification surface exposed to the pipeline. One
// change summary goes out per run that processed new content; runs
// that found nothing stay silent.
type Service interface {
	NotifyChangeSummary(ctx context.Context, municipality string, lines []string) error
	NotifyMeetingFailed(ctx context.Context, meetingTitle, reason string) error
	NotifyReviewNeeded(ctx context.Context, meetingTitle, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when
// configured, otherwise a noop implementation.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyChangeSummary(ctx context.Context, municipality string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	data := payload{
		title:   fmt.Sprintf("Hansard - New content for %s", strings.TrimSpace(municipality)),
		message: strings.Join(lines, "\n"),
		tags:    []string{"hansard", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyMeetingFailed(ctx context.Context, meetingTitle, reason string) error {
	data := payload{
		title:    "Hansard - Meeting Failed",
		message:  fmt.Sprintf("%s: %s", strings.TrimSpace(meetingTitle), strings.TrimSpace(reason)),
		tags:     []string{"hansard", "meeting", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyReviewNeeded(ctx context.Context, meetingTitle, reason string) error {
	data := payload{
		title:    "Hansard - Review Needed",
		message:  fmt.Sprintf("%s needs manual review: %s", strings.TrimSpace(meetingTitle), strings.TrimSpace(reason)),
		tags:     []string{"hansard", "meeting", "review"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:   "Hansard - Test",
		message: "Notification delivery is working.",
		tags:    []string{"hansard", "test"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyChangeSummary(context.Context, string, []string) error  { return nil }
func (noopService) NotifyMeetingFailed(context.Context, string, string) error   { return nil }
func (noopService) NotifyReviewNeeded(context.Context, string, string) error    { return nil }
func (noopService) TestNotification(context.Context) error                      { return nil }
