// Package align maps transcript segments and agenda items onto a
// shared timeline using text-similarity heuristics over term
// fingerprints.
package align

import (
	"strings"

	"log/slog"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/store"
	"hansard/internal/textutil"
)

// Engine aligns agenda structure to transcript time.
type Engine struct {
	cfg    config.Alignment
	logger *slog.Logger
}

// NewEngine constructs the alignment engine.
func NewEngine(cfg config.Alignment, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.With(logging.String("component", "align"))}
}

// Result carries the timeline produced by one alignment pass.
type Result struct {
	// Items are the agenda items with windows and window sources set.
	Items []*store.AgendaItem
	// SegmentLinks maps segment ID to the agenda item ID whose window
	// contains it.
	SegmentLinks map[int64]*int64
	// TextMatched counts items whose windows came from text evidence.
	TextMatched int
	// Positional counts items whose windows came from the ordering
	// fallback.
	Positional int
}

// Align computes discussion windows for each agenda item. Items are
// matched primarily by heading-text evidence in nearby transcript
// text; unmatched items sitting between two matched neighbors get
// positional windows, flagged as lower confidence. Items that cannot
// be placed at all keep null windows so downstream consumers can tell
// "never discussed on record" from "discussed at time zero".
func (e *Engine) Align(items []*store.AgendaItem, segments []*store.Segment) Result {
	result := Result{Items: items, SegmentLinks: map[int64]*int64{}}
	if len(items) == 0 || len(segments) == 0 {
		return result
	}

	anchors := e.findTextAnchors(items, segments)
	end := segments[len(segments)-1].EndSec

	// Each anchored item owns the span from its anchor to the next
	// anchor (or the end of the recording). When unmatched items sit
	// between two anchors, the span is shared equally: the anchored
	// item keeps the first slice as a text window, the rest become
	// positional windows. Items before the first anchor or after the
	// last stay null rather than guessing.
	for i := 0; i < len(items); i++ {
		if anchors[i] < 0 {
			continue
		}
		next := len(items)
		for j := i + 1; j < len(items); j++ {
			if anchors[j] >= 0 {
				next = j
				break
			}
		}
		spanStart := segments[anchors[i]].StartSec
		spanEnd := end
		if next < len(items) {
			spanEnd = segments[anchors[next]].StartSec
		}
		run := next - i
		trailingUnmatched := next == len(items) && run > 1
		if trailingUnmatched {
			// Unmatched trailing items stay null; the last anchored
			// item takes the remainder of the recording.
			run = 1
		}
		slice := (spanEnd - spanStart) / float64(run)
		for k := i; k < i+run; k++ {
			start := spanStart + slice*float64(k-i)
			stop := start + slice
			items[k].WindowStart = &start
			items[k].WindowEnd = &stop
			if k == i {
				items[k].WindowSource = store.WindowText
				result.TextMatched++
			} else {
				items[k].WindowSource = store.WindowPositional
				result.Positional++
			}
		}
		i = next - 1
	}

	for _, item := range items {
		if item.WindowStart == nil {
			e.logger.Debug("agenda item left unaligned", logging.String("title", item.Title))
		}
	}

	result.linkSegments(segments)
	return result
}

// findTextAnchors returns, per agenda item, the index of the transcript
// segment whose surrounding text best contains the item heading, or
// -1. Matches must clear the threshold and respect agenda order: an
// anchor cannot precede its predecessor's anchor.
func (e *Engine) findTextAnchors(items []*store.AgendaItem, segments []*store.Segment) []int {
	windows := make([]*textutil.Fingerprint, len(segments))
	for idx := range segments {
		windows[idx] = textutil.NewFingerprint(windowText(segments, idx))
	}

	anchors := make([]int, len(items))
	minIndex := 0
	for i, item := range items {
		anchors[i] = -1
		heading := textutil.NewFingerprint(item.Title)
		if heading.TokenCount() == 0 {
			continue
		}
		bestScore := 0.0
		bestIndex := -1
		for idx := minIndex; idx < len(segments); idx++ {
			score := windows[idx].Contains(heading)
			if score > bestScore {
				bestScore = score
				bestIndex = idx
			}
		}
		if bestIndex >= 0 && bestScore >= e.cfg.MatchThreshold {
			anchors[i] = bestIndex
			minIndex = bestIndex + 1
			e.logger.Debug("agenda item text-matched",
				logging.String("title", item.Title),
				logging.Float64("score", bestScore))
		}
	}
	return anchors
}

// windowText joins a segment with its successor so short heading
// read-outs split across segments still match.
func windowText(segments []*store.Segment, idx int) string {
	var parts []string
	for _, j := range []int{idx, idx + 1} {
		if j >= 0 && j < len(segments) && segments[j].Body != "" {
			parts = append(parts, segments[j].Body)
		}
	}
	return strings.Join(parts, " ")
}

// linkSegments assigns each transcript segment to the agenda item
// whose window contains its midpoint.
func (r *Result) linkSegments(segments []*store.Segment) {
	for _, seg := range segments {
		mid := (seg.StartSec + seg.EndSec) / 2
		for _, item := range r.Items {
			if item.WindowStart == nil || item.WindowEnd == nil {
				continue
			}
			if mid >= *item.WindowStart && mid < *item.WindowEnd {
				itemID := item.ID
				r.SegmentLinks[seg.ID] = &itemID
				break
			}
		}
	}
}

// LocateMotion estimates when a motion was put, by TF-IDF weighted
// cosine similarity between the motion text and transcript segments,
// scoped to the parent agenda item's window when one is known.
// Returns nil when no segment clears the threshold.
func (e *Engine) LocateMotion(motionText string, item *store.AgendaItem, segments []*store.Segment) *float64 {
	motion := textutil.NewFingerprint(motionText)
	if motion == nil || len(segments) == 0 {
		return nil
	}

	corpus := textutil.NewCorpus()
	corpus.Add(motion)
	windows := make([]*textutil.Fingerprint, len(segments))
	for idx := range segments {
		windows[idx] = textutil.NewFingerprint(windowText(segments, idx))
		corpus.Add(windows[idx])
	}
	idf := corpus.IDF()
	motion = motion.WithIDF(idf)

	bestScore := 0.0
	var bestStart *float64
	for idx, seg := range segments {
		if item != nil && item.WindowStart != nil && item.WindowEnd != nil {
			mid := (seg.StartSec + seg.EndSec) / 2
			if mid < *item.WindowStart || mid >= *item.WindowEnd {
				continue
			}
		}
		score := textutil.CosineSimilarity(motion, windows[idx].WithIDF(idf))
		if score > bestScore {
			bestScore = score
			start := seg.StartSec
			bestStart = &start
		}
	}
	if bestScore < e.cfg.MatchThreshold {
		return nil
	}
	return bestStart
}
