// Package pipeline sequences the per-meeting phases: scrape, acquire
// media, diarize, align, refine, embed. Meetings are processed one at
// a time; each phase commits its writes before the status advances, so
// a killed run resumes from the last settled phase.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"hansard/internal/archive"
	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/notifications"
	"hansard/internal/scraper"
	"hansard/internal/store"
	"hansard/internal/updates"
)

// Job carries one meeting through the phases of a run.
type Job struct {
	Meeting *store.Meeting
	Change  updates.MeetingChange
	// Scraper is the municipality's source scraper, shared by the run.
	Scraper scraper.Scraper
	// Municipality is the resolved source configuration.
	Municipality config.Municipality
}

// Handler is the contract each phase exposes to the orchestrator.
type Handler interface {
	// Prepare validates inputs and decides whether the phase has work.
	// Returning ErrPhaseSkip advances the status without executing.
	Prepare(ctx context.Context, job *Job) error
	// Execute performs the phase. All database writes must commit
	// before return so the settled status is never ahead of the data.
	Execute(ctx context.Context, job *Job) error
}

// Phase binds a handler to its processing and settled statuses.
type Phase struct {
	Name       string
	Processing store.Status
	Settled    store.Status
	Handler    Handler
	// Timeout bounds one execution. Zero means no limit.
	Timeout time.Duration
}

// Orchestrator drives the state machine for one municipality per run.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	layout   *archive.Layout
	registry *scraper.Registry
	detector *updates.Detector
	notifier notifications.Service
	logger   *slog.Logger
	client   *http.Client

	phases     []Phase
	skip       map[string]bool
	force      map[string]bool
	updateOnly bool
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithPhases replaces the default phase set (used in tests).
func WithPhases(phases []Phase) Option {
	return func(o *Orchestrator) {
		o.phases = phases
	}
}

// WithHTTPClient overrides the HTTP client shared by scrapers.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) {
		if client != nil {
			o.client = client
		}
	}
}

// WithUpdateOnly restricts a run to meetings the detector reports as
// changed, leaving incomplete meetings with no new source content for a
// later full run.
func WithUpdateOnly() Option {
	return func(o *Orchestrator) {
		o.updateOnly = true
	}
}

// WithForcedPhases marks phases that re-execute even when their inputs
// are unchanged.
func WithForcedPhases(names ...string) Option {
	return func(o *Orchestrator) {
		for _, name := range names {
			o.force[name] = true
		}
	}
}

// WithSkippedPhases marks phases that never execute this run. A
// skipped phase still advances the status.
func WithSkippedPhases(names ...string) Option {
	return func(o *Orchestrator) {
		for _, name := range names {
			o.skip[name] = true
		}
	}
}

// New constructs an orchestrator with the full phase set wired to the
// shared store, archive, and configuration.
func New(cfg *config.Config, st *store.Store, registry *scraper.Registry, notifier notifications.Service, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	layout := archive.NewLayout(cfg)
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		layout:   layout,
		registry: registry,
		detector: updates.NewDetector(st, layout, logger),
		notifier: notifier,
		logger:   logger.With(logging.String("component", "pipeline")),
		client:   &http.Client{Timeout: 60 * time.Second},
		skip:     map[string]bool{},
		force:    map[string]bool{},
	}
	for _, name := range cfg.Workflow.SkipPhases {
		o.skip[name] = true
	}
	o.phases = defaultPhases(cfg, st, layout, o.logger)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Phase names, used by skip/force configuration and the CLI.
const (
	PhaseScrape  = "scrape"
	PhaseMedia   = "media"
	PhaseDiarize = "diarize"
	PhaseAlign   = "align"
	PhaseRefine  = "refine"
	PhaseEmbed   = "embed"
)

// PhaseNames returns the ordered phase names.
func PhaseNames() []string {
	return []string{PhaseScrape, PhaseMedia, PhaseDiarize, PhaseAlign, PhaseRefine, PhaseEmbed}
}

func timeoutSeconds(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
