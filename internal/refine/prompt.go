package refine

import (
	"fmt"
	"strings"

	"hansard/internal/store"
)

const systemPrompt = `You are a meticulous municipal clerk's assistant. You read council meeting records (agenda, minutes, transcript) and extract the formal decisions exactly as recorded. You never invent motions, votes, or statements that are not supported by the supplied text. Respond with a single JSON object and nothing else, using this shape:
{
  "motions": [{"text": "...", "mover": "...", "seconder": "...", "result": "carried|defeated|tabled|withdrawn|referred", "agenda_item_ordinal": 0, "votes": [{"member": "...", "value": "yes|no|abstain|absent|recused"}]}],
  "key_statements": [{"speaker": "...", "statement": "...", "agenda_item_ordinal": 0}],
  "agenda_items": [{"ordinal": 0, "category": "...", "summary": "..."}],
  "matters": [{"identifier": "...", "title": "...", "agenda_item_ordinal": 0}]
}
Omit fields you cannot ground in the record. Use the agenda item ordinals given in the input. Motion text must be the formal wording. Summaries are two to four sentences of plain language.`

const correctionPromptTemplate = `Your previous response failed validation: %s

Return the complete corrected JSON object. Respond with JSON only, no commentary.`

// promptInput bundles everything the model sees for one meeting.
type promptInput struct {
	Meeting  *store.Meeting
	Items    []*store.AgendaItem
	Sections []*store.Section
	Segments []*store.Segment
}

// Character budgets keep the prompt inside typical context windows.
// Transcript text dominates, so it gets the larger share.
const (
	maxDocumentChars   = 60000
	maxTranscriptChars = 180000
)

func buildUserPrompt(input promptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "MEETING: %s (%s)\n", input.Meeting.Title, input.Meeting.Municipality)
	if input.Meeting.ScheduledAt != nil {
		fmt.Fprintf(&b, "DATE: %s\n", input.Meeting.ScheduledAt.Format("2006-01-02"))
	}

	if len(input.Items) > 0 {
		b.WriteString("\nAGENDA ITEMS:\n")
		for _, item := range input.Items {
			fmt.Fprintf(&b, "  [%d] %s %s\n", item.Ordinal, item.OrderLabel, item.Title)
		}
	}

	if len(input.Sections) > 0 {
		b.WriteString("\nDOCUMENT TEXT:\n")
		budget := maxDocumentChars
		for _, section := range input.Sections {
			block := section.Body
			if section.Title != "" {
				block = section.Title + "\n" + block
			}
			if len(block) > budget {
				block = truncateAtWord(block, budget)
			}
			b.WriteString(block)
			b.WriteString("\n\n")
			budget -= len(block)
			if budget <= 0 {
				break
			}
		}
	}

	if len(input.Segments) > 0 {
		b.WriteString("\nTRANSCRIPT (speaker [start-end]):\n")
		budget := maxTranscriptChars
		for _, seg := range input.Segments {
			if seg.TranscribeFailed || seg.Body == "" {
				continue
			}
			line := fmt.Sprintf("%s [%.0f-%.0f]", seg.SpeakerLabel, seg.StartSec, seg.EndSec)
			if seg.AgendaItemID != nil {
				if ordinal, ok := ordinalForItem(input.Items, *seg.AgendaItemID); ok {
					line = fmt.Sprintf("%s (item %d)", line, ordinal)
				}
			}
			line = line + ": " + seg.Body + "\n"
			if len(line) > budget {
				break
			}
			b.WriteString(line)
			budget -= len(line)
		}
	}

	return b.String()
}

func buildCorrectionPrompt(validationErr error) string {
	return fmt.Sprintf(correctionPromptTemplate, validationErr.Error())
}

func ordinalForItem(items []*store.AgendaItem, id int64) (int, bool) {
	for _, item := range items {
		if item.ID == id {
			return item.Ordinal, true
		}
	}
	return 0, false
}

func truncateAtWord(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexAny(cut, " \n"); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
