// Package chunker splits extracted document text into hierarchical
// sections using font-size heuristics. Chunking is fully deterministic
// so re-running it over unchanged input always yields the same
// sections.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

const (
	// headingRatio classifies a run as a heading when its font size is
	// at least this multiple of the document's modal body size.
	headingRatio = 1.2

	// maxSectionChars caps section bodies; oversize sections split at
	// paragraph boundaries only.
	maxSectionChars = 8000

	// subHeadingMaxWords marks short uppercase headings ("BACKGROUND",
	// "PURPOSE") that fold into their parent section instead of
	// starting a new one.
	subHeadingMaxWords = 3
)

// FontRun is one contiguous run of extracted text with its font size.
type FontRun struct {
	Text string
	Size float64
}

// Section is one chunk of a document.
type Section struct {
	Title       string
	Ordinal     int
	Body        string
	ContentHash string
}

// boilerplate headings carry no content of their own and are dropped
// outright when they head an otherwise empty section.
var boilerplate = map[string]struct{}{
	"carried":               {},
	"defeated":              {},
	"adjourned":             {},
	"adjournment":           {},
	"carried unanimously":   {},
	"moved":                 {},
	"seconded":              {},
	"recorded vote":         {},
	"end of document":       {},
	"page intentionally left blank": {},
}

// Chunk splits the document's font runs into sections. Runs whose size
// clears the heading threshold open a new section; everything else
// accumulates under the nearest preceding heading. Text before the
// first heading lands in an untitled preamble section.
func Chunk(runs []FontRun) []Section {
	body := modalBodySize(runs)
	threshold := body * headingRatio
	maxSize := maxRunSize(runs)

	var sections []Section
	var current *Section
	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(current.Body)
		if current.Body == "" && isBoilerplateHeading(current.Title) {
			current = nil
			return
		}
		if current.Title == "" && current.Body == "" {
			current = nil
			return
		}
		sections = append(sections, *current)
		current = nil
	}

	for _, run := range runs {
		text := strings.TrimSpace(run.Text)
		if text == "" {
			if current != nil {
				current.Body += "\n\n"
			}
			continue
		}
		isHeading := body > 0 && run.Size >= threshold
		switch {
		case isHeading && isBoilerplateHeading(text):
			// Procedural noise ("CARRIED", "ADJOURNED") carries no
			// content and is dropped outright.
		case isHeading && run.Size < maxSize && isSubHeading(text) && current != nil:
			// Intermediate-size uppercase sub-heading: stays inside
			// its parent as an inline marker rather than opening a
			// new section.
			current.Body += "\n\n" + text + "\n"
		case isHeading:
			flush()
			current = &Section{Title: text}
		default:
			if current == nil {
				current = &Section{}
			}
			if current.Body != "" && !strings.HasSuffix(current.Body, "\n") {
				current.Body += " "
			}
			current.Body += text
		}
	}
	flush()

	sections = splitOversize(sections)
	for i := range sections {
		sections[i].Ordinal = i
		sections[i].ContentHash = hashSection(sections[i])
	}
	return sections
}

// modalBodySize returns the most common font size across runs, weighted
// by text length so one long body paragraph outvotes many short
// decorations. Ties break toward the smaller size, keeping the heading
// classification stable.
func modalBodySize(runs []FontRun) float64 {
	weights := map[float64]int{}
	for _, run := range runs {
		trimmed := strings.TrimSpace(run.Text)
		if trimmed == "" || run.Size <= 0 {
			continue
		}
		weights[run.Size] += len(trimmed)
	}
	if len(weights) == 0 {
		return 0
	}
	sizes := make([]float64, 0, len(weights))
	for size := range weights {
		sizes = append(sizes, size)
	}
	sort.Float64s(sizes)
	best := sizes[0]
	for _, size := range sizes[1:] {
		if weights[size] > weights[best] {
			best = size
		}
	}
	return best
}

func maxRunSize(runs []FontRun) float64 {
	var max float64
	for _, run := range runs {
		if strings.TrimSpace(run.Text) == "" {
			continue
		}
		if run.Size > max {
			max = run.Size
		}
	}
	return max
}

func isSubHeading(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > subHeadingMaxWords {
		return false
	}
	hasLetter := false
	for _, r := range text {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func isBoilerplateHeading(title string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(title), " "))
	normalized = strings.Trim(normalized, ".:")
	_, ok := boilerplate[normalized]
	return ok
}

// splitOversize breaks sections larger than the cap at paragraph
// boundaries. A single paragraph longer than the cap is kept whole
// rather than split mid-sentence.
func splitOversize(sections []Section) []Section {
	out := make([]Section, 0, len(sections))
	for _, section := range sections {
		if len(section.Body) <= maxSectionChars {
			out = append(out, section)
			continue
		}
		paragraphs := strings.Split(section.Body, "\n\n")
		var buf strings.Builder
		part := 0
		flushPart := func() {
			text := strings.TrimSpace(buf.String())
			if text == "" {
				return
			}
			next := section
			next.Body = text
			if part > 0 && section.Title != "" {
				next.Title = section.Title + " (cont.)"
			}
			out = append(out, next)
			part++
			buf.Reset()
		}
		for _, para := range paragraphs {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			if buf.Len() > 0 && buf.Len()+len(para)+2 > maxSectionChars {
				flushPart()
			}
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(para)
		}
		flushPart()
	}
	return out
}

func hashSection(section Section) string {
	sum := sha256.Sum256([]byte(section.Title + "\x00" + section.Body))
	return hex.EncodeToString(sum[:])
}
