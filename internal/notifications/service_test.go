package notifications

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"hansard/internal/testsupport"
)

func TestNoopWhenUnconfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = ""

	svc := NewService(cfg)
	if _, ok := svc.(noopService); !ok {
		t.Fatalf("expected noop service, got %T", svc)
	}
	if err := svc.NotifyChangeSummary(context.Background(), "rivervale", []string{"x"}); err != nil {
		t.Fatalf("noop should never fail: %v", err)
	}
}

func TestChangeSummaryDelivery(t *testing.T) {
	type received struct {
		title, tags, body string
	}
	var got received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = received{
			title: r.Header.Get("Title"),
			tags:  r.Header.Get("Tags"),
			body:  string(body),
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL
	svc := NewService(cfg)

	lines := []string{
		"Regular Council Meeting: agenda, video",
		"Special Council Meeting: minutes",
	}
	if err := svc.NotifyChangeSummary(context.Background(), "rivervale", lines); err != nil {
		t.Fatalf("NotifyChangeSummary: %v", err)
	}
	if got.title != "Hansard - New content for rivervale" {
		t.Fatalf("title = %q", got.title)
	}
	if got.tags != "hansard,run,completed" {
		t.Fatalf("tags = %q", got.tags)
	}
	if got.body != lines[0]+"\n"+lines[1] {
		t.Fatalf("body = %q", got.body)
	}
}

func TestChangeSummarySkipsEmptyRuns(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL
	svc := NewService(cfg)

	if err := svc.NotifyChangeSummary(context.Background(), "rivervale", nil); err != nil {
		t.Fatalf("NotifyChangeSummary: %v", err)
	}
	if calls != 0 {
		t.Fatal("empty summary must not send a notification")
	}
}

func TestServerRejectionSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL
	svc := NewService(cfg)

	if err := svc.NotifyMeetingFailed(context.Background(), "Regular Council Meeting", "diarization failed"); err == nil {
		t.Fatal("expected delivery failure to surface")
	}
}
