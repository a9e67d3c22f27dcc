package store

import (
	"strings"
	"time"
)

// Status represents the pipeline lifecycle of a meeting.
type Status string

const (
	StatusPending        Status = "pending"
	StatusScraping       Status = "scraping"
	StatusScraped        Status = "scraped"
	StatusAcquiringMedia Status = "acquiring_media"
	StatusMediaAcquired  Status = "media_acquired"
	StatusDiarizing      Status = "diarizing"
	StatusDiarized       Status = "diarized"
	StatusAligning       Status = "aligning"
	StatusAligned        Status = "aligned"
	StatusRefining       Status = "refining"
	StatusRefined        Status = "refined"
	StatusEmbedding      Status = "embedding"
	StatusEmbedded       Status = "embedded"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusScraping,
	StatusScraped,
	StatusAcquiringMedia,
	StatusMediaAcquired,
	StatusDiarizing,
	StatusDiarized,
	StatusAligning,
	StatusAligned,
	StatusRefining,
	StatusRefined,
	StatusEmbedding,
	StatusEmbedded,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusScraping:       {},
	StatusAcquiringMedia: {},
	StatusDiarizing:      {},
	StatusAligning:       {},
	StatusRefining:       {},
	StatusEmbedding:      {},
}

type statusTransition struct {
	from Status
	to   Status
}

// Processing states abandoned by a killed run roll back to the settled state
// that preceded them so the next run can retry cleanly.
var stuckRollbackTransitions = []statusTransition{
	{from: StatusScraping, to: StatusPending},
	{from: StatusAcquiringMedia, to: StatusScraped},
	{from: StatusDiarizing, to: StatusMediaAcquired},
	{from: StatusAligning, to: StatusDiarized},
	{from: StatusRefining, to: StatusAligned},
	{from: StatusEmbedding, to: StatusRefined},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight phase.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// Meeting is one governing-body session persisted in SQLite.
type Meeting struct {
	ID                int64
	Municipality      string
	ExternalID        string
	Title             string
	MeetingType       string
	MeetingStatus     string
	ScheduledAt       *time.Time
	Status            Status
	LastSettledStatus Status
	ErrorMessage      string
	NeedsReview       bool
	ReviewReason      string
	HasAgenda         bool
	HasMinutes        bool
	HasTranscript     bool
	HasVideo          bool
	Meta              map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsProcessing returns true when the meeting is mid-phase.
func (m Meeting) IsProcessing() bool {
	return IsProcessingStatus(m.Status)
}

// SetFailed marks the meeting failed, retaining the last settled status for
// resume decisions.
func (m *Meeting) SetFailed(message string) {
	if !IsProcessingStatus(m.Status) {
		m.LastSettledStatus = m.Status
	}
	m.Status = StatusFailed
	m.ErrorMessage = message
}

// Document is a source file tied to a meeting.
type Document struct {
	ID          int64
	MeetingID   int64
	Kind        string
	SourceURL   string
	LocalPath   string
	ContentHash string
	CreatedAt   time.Time
}

// Document kinds.
const (
	DocAgenda  = "agenda"
	DocMinutes = "minutes"
	DocBylaw   = "bylaw"
)

// Section is a chunk of a document.
type Section struct {
	ID          int64
	DocumentID  int64
	Ordinal     int
	Title       string
	Body        string
	ContentHash string
	Embedding   []float32
}

// Window source values for agenda items.
const (
	WindowText       = "text"
	WindowPositional = "positional"
)

// AgendaItem is one agenda entry within a meeting.
type AgendaItem struct {
	ID           int64
	MeetingID    int64
	OrderLabel   string
	Ordinal      int
	Title        string
	Category     string
	Summary      string
	MatterID     *int64
	WindowStart  *float64
	WindowEnd    *float64
	WindowSource string
}

// Segment is one diarized speech span.
type Segment struct {
	ID               int64
	MeetingID        int64
	AgendaItemID     *int64
	MotionID         *int64
	SpeakerLabel     string
	PersonID         *int64
	StartSec         float64
	EndSec           float64
	Body             string
	TranscribeFailed bool
	ContentHash      string
	Embedding        []float32
}

// Motion is a formal decision point extracted from a meeting.
type Motion struct {
	ID               int64
	MeetingID        int64
	AgendaItemID     *int64
	Body             string
	Result           string
	MoverPersonID    *int64
	SeconderPersonID *int64
	TimeOffset       *float64
	ContentHash      string
	Embedding        []float32
	Votes            []Vote
}

// Vote is one member's roll-call position on a motion.
type Vote struct {
	ID         int64
	MotionID   int64
	PersonID   *int64
	MemberName string
	Value      string
}

// KeyStatement captures a notable statement surfaced during refinement.
type KeyStatement struct {
	ID           int64
	MeetingID    int64
	AgendaItemID *int64
	Speaker      string
	Body         string
	ContentHash  string
	Embedding    []float32
}

// Person is a governance entity matched by normalized name.
type Person struct {
	ID             int64
	Name           string
	NormalizedName string
	Role           string
}

// Matter is a cross-meeting tracked business item.
type Matter struct {
	ID                   int64
	Identifier           string
	NormalizedIdentifier string
	Title                string
}

// VoiceFingerprint is a stored embedding of a known speaker's voice.
type VoiceFingerprint struct {
	ID       int64
	PersonID int64
	Label    string
	Vector   []float32
}

// MeetingCounts aggregates downstream row counts for one meeting.
type MeetingCounts struct {
	Documents     int
	Sections      int
	AgendaItems   int
	Segments      int
	Motions       int
	Votes         int
	KeyStatements int
}

// HealthSummary describes aggregated meeting counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
}
