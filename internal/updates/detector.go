// Package updates decides which meetings need processing by comparing
// the source's current listing against the local archive and the
// database flags. Detection is read-only so it can back a dry-run mode.
package updates

import (
	"context"

	"log/slog"

	"hansard/internal/archive"
	"hansard/internal/logging"
	"hansard/internal/scraper"
	"hansard/internal/services"
	"hansard/internal/store"
)

// MeetingChange records what is new for one meeting. Meeting is nil
// when the listing has never been seen before.
type MeetingChange struct {
	Meeting      *store.Meeting
	Listing      scraper.Listing
	NewDocuments []scraper.DocumentRef
	NewVideo     bool
}

// ChangeReport lists the meetings with detected changes for one
// municipality. Meetings with nothing new do not appear at all.
type ChangeReport struct {
	Municipality string
	Changes      []MeetingChange
}

// Empty reports whether the run has nothing to do.
func (r ChangeReport) Empty() bool {
	return len(r.Changes) == 0
}

// Detector compares listings against archive and database state.
type Detector struct {
	store  *store.Store
	layout *archive.Layout
	logger *slog.Logger
}

// NewDetector constructs a detector over the shared store and archive.
func NewDetector(st *store.Store, layout *archive.Layout, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Detector{
		store:  st,
		layout: layout,
		logger: logger.With(logging.String("component", "updates")),
	}
}

// Detect builds the change report for the supplied listings. It reads
// the database and the archive but writes nothing.
func (d *Detector) Detect(ctx context.Context, municipality string, listings []scraper.Listing) (ChangeReport, error) {
	logger := logging.WithContext(ctx, d.logger)
	report := ChangeReport{Municipality: municipality}

	for _, listing := range listings {
		meeting, err := d.store.GetMeetingByExternalID(ctx, municipality, listing.ExternalID)
		if err != nil {
			return ChangeReport{}, services.Wrap(services.ErrTransient, "updates", "lookup meeting", "Failed to look up meeting", err)
		}

		change := MeetingChange{Meeting: meeting, Listing: listing}

		// Archive paths are derived from municipality and external ID,
		// so an unseen listing probes with a transient meeting.
		probe := meeting
		if probe == nil {
			probe = &store.Meeting{Municipality: municipality, ExternalID: listing.ExternalID}
		}
		for _, ref := range listing.Documents {
			path := d.layout.DocumentPath(probe, ref.Kind, ref.URL)
			if !archive.FileExists(path) {
				change.NewDocuments = append(change.NewDocuments, ref)
			}
		}
		if listing.HasVideo && (meeting == nil || !meeting.HasVideo) {
			change.NewVideo = true
		}

		if len(change.NewDocuments) == 0 && !change.NewVideo {
			continue
		}
		logger.Debug("meeting has changes",
			logging.String("external_id", listing.ExternalID),
			logging.Int("new_documents", len(change.NewDocuments)),
			logging.Bool("new_video", change.NewVideo))
		report.Changes = append(report.Changes, change)
	}
	return report, nil
}
