package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/scraper"
	"hansard/internal/services"
	"hansard/internal/store"
	"hansard/internal/updates"
)

// Outcome records how one meeting finished the run.
type Outcome struct {
	ExternalID  string
	Title       string
	Status      store.Status
	NeedsReview bool
	Error       string
	PhasesRun   []string
}

// Summary is the end-of-run report. Every detected meeting appears
// exactly once; silent partial failure is not possible.
type Summary struct {
	Municipality string
	Detected     int
	Resumed      int
	Completed    int
	Failed       int
	StuckReset   int64
	// SourceError records a listing fetch or detection failure that
	// made the whole municipality unreachable this run. The run moves
	// on to the next municipality instead of aborting.
	SourceError string
	Outcomes    []Outcome
	Duration    time.Duration
}

// CheckUpdates runs detection without writing anything. It backs the
// dry-run CLI mode.
func (o *Orchestrator) CheckUpdates(ctx context.Context, municipality string) (updates.ChangeReport, error) {
	_, sc, err := o.scraperFor(municipality)
	if err != nil {
		return updates.ChangeReport{}, err
	}
	listings, err := o.listMeetings(ctx, sc)
	if err != nil {
		return updates.ChangeReport{}, err
	}
	return o.detector.Detect(ctx, municipality, listings)
}

// Run processes every changed meeting for the municipality. Per-meeting
// failures are recorded and the run continues; only configuration-class
// errors abort it.
func (o *Orchestrator) Run(ctx context.Context, municipality string) (Summary, error) {
	start := time.Now()
	logger := logging.WithContext(ctx, o.logger).With(logging.String("municipality", municipality))
	summary := Summary{Municipality: municipality}

	muniCfg, sc, err := o.scraperFor(municipality)
	if err != nil {
		return summary, err
	}

	reset, err := o.store.ResetStuckProcessing(ctx)
	if err != nil {
		return summary, services.Wrap(services.ErrTransient, "run", "reset stuck", "Failed to reset stuck meetings", err)
	}
	summary.StuckReset = reset
	if reset > 0 {
		logger.Warn("rolled back meetings abandoned mid-phase", logging.Int64("count", reset))
	}

	// A source that is down or unreadable takes out this municipality
	// only. The outage is recorded on the summary and the caller keeps
	// going; configuration errors and cancellation still abort.
	listings, err := o.listMeetings(ctx, sc)
	if err != nil {
		if absorbed := o.absorbSourceError(logger, &summary, start, err); absorbed {
			return summary, nil
		}
		return summary, err
	}
	report, err := o.detector.Detect(ctx, municipality, listings)
	if err != nil {
		if absorbed := o.absorbSourceError(logger, &summary, start, err); absorbed {
			return summary, nil
		}
		return summary, err
	}
	summary.Detected = len(report.Changes)

	// Meetings left incomplete by an earlier run resume even when the
	// source shows nothing new for them, unless the run is restricted
	// to detected updates.
	var resumable []updates.MeetingChange
	if !o.updateOnly {
		resumable, err = o.pendingMeetings(ctx, municipality, listings, report)
		if err != nil {
			return summary, err
		}
	}
	summary.Resumed = len(resumable)
	changes := append(report.Changes, resumable...)
	if len(changes) == 0 {
		logger.Info("no changes detected", logging.Int("listings", len(listings)))
		summary.Duration = time.Since(start)
		return summary, nil
	}
	logger.Info("processing meetings",
		logging.Int("changed", len(report.Changes)),
		logging.Int("resumed", len(resumable)))

	var notifyLines []string
	for _, change := range changes {
		outcome, fatal := o.processMeeting(ctx, municipality, muniCfg, sc, change)
		summary.Outcomes = append(summary.Outcomes, outcome)
		switch outcome.Status {
		case store.StatusCompleted:
			summary.Completed++
			if len(change.NewDocuments) > 0 || change.NewVideo {
				notifyLines = append(notifyLines, summaryLine(change, outcome))
			}
		case store.StatusFailed:
			summary.Failed++
			if err := o.notifier.NotifyMeetingFailed(ctx, outcome.Title, outcome.Error); err != nil {
				logger.Warn("failure notification failed", logging.Error(err))
			}
		}
		if outcome.NeedsReview {
			if err := o.notifier.NotifyReviewNeeded(ctx, outcome.Title, outcome.Error); err != nil {
				logger.Warn("review notification failed", logging.Error(err))
			}
		}
		if fatal != nil {
			summary.Duration = time.Since(start)
			return summary, fatal
		}
	}

	if len(notifyLines) > 0 {
		if err := o.notifier.NotifyChangeSummary(ctx, municipality, notifyLines); err != nil {
			logger.Warn("change notification failed", logging.Error(err))
		}
	}
	summary.Duration = time.Since(start)
	logger.Info("run finished",
		logging.Int("completed", summary.Completed),
		logging.Int("failed", summary.Failed),
		logging.Duration("duration", summary.Duration))
	return summary, nil
}

// pendingMeetings finds stored meetings a previous run left incomplete
// that the detector skipped because the source shows nothing new. Only
// meetings still listed on the source are resumed.
func (o *Orchestrator) pendingMeetings(ctx context.Context, municipality string, listings []scraper.Listing, report updates.ChangeReport) ([]updates.MeetingChange, error) {
	meetings, err := o.store.ListMeetings(ctx, municipality)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "run", "list meetings", "Failed to list stored meetings", err)
	}
	inReport := make(map[string]struct{}, len(report.Changes))
	for _, change := range report.Changes {
		inReport[change.Listing.ExternalID] = struct{}{}
	}
	byID := make(map[string]scraper.Listing, len(listings))
	for _, listing := range listings {
		byID[listing.ExternalID] = listing
	}

	var changes []updates.MeetingChange
	for _, meeting := range meetings {
		if meeting.Status == store.StatusCompleted {
			continue
		}
		if _, ok := inReport[meeting.ExternalID]; ok {
			continue
		}
		listing, ok := byID[meeting.ExternalID]
		if !ok {
			continue
		}
		changes = append(changes, updates.MeetingChange{Meeting: meeting, Listing: listing})
	}
	return changes, nil
}

// absorbSourceError folds a non-fatal listing or detection failure
// into the summary so the run can continue with other municipalities.
// Configuration errors and context cancellation are not absorbed.
func (o *Orchestrator) absorbSourceError(logger *slog.Logger, summary *Summary, start time.Time, err error) bool {
	if services.IsFatal(err) || errors.Is(err, context.Canceled) {
		return false
	}
	logger.Error("source unreachable, skipping municipality", logging.Error(err))
	summary.SourceError = err.Error()
	summary.Duration = time.Since(start)
	return true
}

func (o *Orchestrator) scraperFor(municipality string) (config.Municipality, scraper.Scraper, error) {
	muniCfg, ok := o.cfg.Municipalities[municipality]
	if !ok {
		return config.Municipality{}, nil, services.Wrap(services.ErrConfiguration, "run", "resolve municipality",
			fmt.Sprintf("Municipality %q is not configured", municipality), nil)
	}
	sc, err := o.registry.ForMunicipality(muniCfg, o.client, o.logger)
	if err != nil {
		return config.Municipality{}, nil, err
	}
	return muniCfg, sc, nil
}

func (o *Orchestrator) listMeetings(ctx context.Context, sc scraper.Scraper) ([]scraper.Listing, error) {
	listCtx := ctx
	if timeout := timeoutSeconds(o.cfg.Workflow.ScrapeTimeoutSeconds); timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sc.ListMeetings(listCtx)
}

// processMeeting walks one meeting through the phases with a failure
// boundary: any phase error settles the meeting as failed and the run
// moves on. The returned error is non-nil only for fatal
// configuration-class failures.
func (o *Orchestrator) processMeeting(ctx context.Context, municipality string, muniCfg config.Municipality, sc scraper.Scraper, change updates.MeetingChange) (Outcome, error) {
	listing := change.Listing
	meeting, err := o.store.UpsertMeeting(ctx, &store.Meeting{
		Municipality:  municipality,
		ExternalID:    listing.ExternalID,
		Title:         listing.Title,
		MeetingType:   listing.MeetingType,
		MeetingStatus: listing.Status,
		ScheduledAt:   listing.ScheduledAt,
	})
	if err != nil {
		return Outcome{
			ExternalID: listing.ExternalID,
			Title:      listing.Title,
			Status:     store.StatusFailed,
			Error:      err.Error(),
		}, nil
	}

	logger := logging.WithContext(ctx, o.logger).With(
		logging.Int64("meeting_id", meeting.ID),
		logging.String("external_id", meeting.ExternalID))

	job := &Job{Meeting: meeting, Change: change, Scraper: sc, Municipality: muniCfg}
	rerun := meeting.Status == store.StatusCompleted
	startIdx := o.resumeIndex(meeting)
	if rerun {
		startIdx = 0
	}
	// Changed inputs pull the start back so their phases re-run even on
	// a partially processed meeting. Unchanged expensive phases are
	// still guarded by their Prepare checks.
	if len(change.NewDocuments) > 0 {
		startIdx = 0
	} else if change.NewVideo {
		if idx := o.phaseIndex(PhaseMedia); idx >= 0 && idx < startIdx {
			startIdx = idx
		}
	}

	outcome := Outcome{ExternalID: meeting.ExternalID, Title: meeting.Title}
	for idx := startIdx; idx < len(o.phases); idx++ {
		phase := o.phases[idx]
		if !o.shouldRun(phase.Name, rerun, change) {
			o.settle(ctx, logger, meeting, phase)
			continue
		}

		phaseCtx := services.WithRequestID(services.WithPhase(services.WithMeetingID(ctx, meeting.ID), phase.Name), uuid.NewString())
		if err := o.runPhase(phaseCtx, logger, job, phase); err != nil {
			if errors.Is(err, ErrPhaseSkip) {
				o.settle(ctx, logger, meeting, phase)
				continue
			}
			if services.IsFatal(err) {
				o.recordFailure(ctx, logger, meeting, phase, err, &outcome)
				return outcome, err
			}
			o.recordFailure(ctx, logger, meeting, phase, err, &outcome)
			return outcome, nil
		}
		if phase.Name == PhaseRefine {
			meeting.NeedsReview = false
			meeting.ReviewReason = ""
		}
		o.settle(ctx, logger, meeting, phase)
		outcome.PhasesRun = append(outcome.PhasesRun, phase.Name)
	}

	meeting.Status = store.StatusCompleted
	meeting.LastSettledStatus = store.StatusCompleted
	meeting.ErrorMessage = ""
	if err := o.store.UpdateMeeting(ctx, meeting); err != nil {
		outcome.Status = store.StatusFailed
		outcome.Error = err.Error()
		return outcome, nil
	}
	outcome.Status = store.StatusCompleted
	outcome.NeedsReview = meeting.NeedsReview
	logger.Info("meeting completed", logging.String("phases", strings.Join(outcome.PhasesRun, ",")))
	return outcome, nil
}

// runPhase executes Prepare then Execute under the phase timeout.
func (o *Orchestrator) runPhase(ctx context.Context, logger *slog.Logger, job *Job, phase Phase) error {
	if err := phase.Handler.Prepare(ctx, job); err != nil {
		return err
	}

	meeting := job.Meeting
	meeting.Status = phase.Processing
	if err := o.store.UpdateMeeting(ctx, meeting); err != nil {
		return services.Wrap(services.ErrTransient, phase.Name, "transition", "Failed to mark phase processing", err)
	}
	logger.Info("phase started", logging.String("phase", phase.Name))

	execCtx := ctx
	if phase.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, phase.Timeout)
		defer cancel()
	}
	started := time.Now()
	if err := phase.Handler.Execute(execCtx, job); err != nil {
		return err
	}
	logger.Info("phase finished",
		logging.String("phase", phase.Name),
		logging.Duration("elapsed", time.Since(started)))
	return nil
}

// settle advances the meeting past the phase. Settled status and the
// phase's flags commit in one write, after the phase's own transaction.
func (o *Orchestrator) settle(ctx context.Context, logger *slog.Logger, meeting *store.Meeting, phase Phase) {
	meeting.Status = phase.Settled
	meeting.LastSettledStatus = phase.Settled
	meeting.ErrorMessage = ""
	if err := o.store.UpdateMeeting(ctx, meeting); err != nil {
		logger.Error("failed to persist settled status",
			logging.String("phase", phase.Name),
			logging.Error(err))
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, logger *slog.Logger, meeting *store.Meeting, phase Phase, phaseErr error, outcome *Outcome) {
	message := fmt.Sprintf("%s: %v", phase.Name, phaseErr)
	meeting.SetFailed(message)
	if services.ReviewRequired(phaseErr) {
		meeting.NeedsReview = true
		meeting.ReviewReason = message
	}
	if err := o.store.UpdateMeeting(ctx, meeting); err != nil {
		logger.Error("failed to persist failure state", logging.Error(err))
	}
	logger.Error("phase failed",
		logging.String("phase", phase.Name),
		logging.String("resumes_from", string(meeting.LastSettledStatus)),
		logging.Error(phaseErr))
	outcome.Status = store.StatusFailed
	outcome.NeedsReview = meeting.NeedsReview
	outcome.Error = message
}

// shouldRun decides whether a phase executes for this meeting. For a
// completed meeting being re-processed, only phases downstream of the
// changed inputs run; diarization in particular never re-runs without
// new video.
func (o *Orchestrator) shouldRun(name string, rerun bool, change updates.MeetingChange) bool {
	if o.skip[name] {
		return false
	}
	if o.force[name] {
		return true
	}
	if !rerun {
		return true
	}
	switch name {
	case PhaseScrape:
		return len(change.NewDocuments) > 0
	case PhaseMedia, PhaseDiarize:
		return change.NewVideo
	default:
		return true
	}
}

func (o *Orchestrator) phaseIndex(name string) int {
	for idx, phase := range o.phases {
		if phase.Name == name {
			return idx
		}
	}
	return -1
}

// resumeIndex maps the meeting's settled status to the next phase.
func (o *Orchestrator) resumeIndex(meeting *store.Meeting) int {
	status := meeting.Status
	if status == store.StatusFailed {
		status = meeting.LastSettledStatus
	}
	for idx, phase := range o.phases {
		if phase.Settled == status {
			return idx + 1
		}
	}
	return 0
}

func summaryLine(change updates.MeetingChange, outcome Outcome) string {
	kinds := map[string]struct{}{}
	for _, ref := range change.NewDocuments {
		kinds[ref.Kind] = struct{}{}
	}
	if change.NewVideo {
		kinds["video"] = struct{}{}
	}
	names := make([]string, 0, len(kinds))
	for kind := range kinds {
		names = append(names, kind)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s: %s", outcome.Title, strings.Join(names, ", "))
}
