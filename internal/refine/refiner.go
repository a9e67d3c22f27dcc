// Package refine turns aligned raw meeting data into structured civic
// records: motions with votes, key statements, item summaries, and
// matter links. Extraction goes through a language model unless the
// source platform already published structured votes.
package refine

import (
	"context"
	"encoding/json"
	"strings"

	"log/slog"

	"hansard/internal/align"
	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/scraper"
	"hansard/internal/services"
	"hansard/internal/store"
	"hansard/internal/textutil"
)

// MetaStructuredMotions is the meeting meta key under which the scrape
// phase stores platform-provided vote records.
const MetaStructuredMotions = "structured_motions"

// Refiner orchestrates structured extraction for one meeting.
type Refiner struct {
	cfg    *config.Config
	store  *store.Store
	client *Client
	engine *align.Engine
	logger *slog.Logger
}

// NewRefiner constructs a refiner using the shared store and config.
func NewRefiner(cfg *config.Config, st *store.Store, client *Client, engine *align.Engine, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Refiner{
		cfg:    cfg,
		store:  st,
		client: client,
		engine: engine,
		logger: logger.With(logging.String("component", "refine")),
	}
}

// Refine extracts structured records for the meeting and replaces the
// previous refinement as a set. Model responses failing schema
// validation get exactly one corrective retry; a second failure flags
// the meeting for manual review instead of storing unverified data.
func (r *Refiner) Refine(ctx context.Context, meeting *store.Meeting) error {
	logger := logging.WithContext(ctx, r.logger)

	items, err := r.store.ListAgendaItems(ctx, meeting.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "refine", "load agenda", "Failed to load agenda items", err)
	}
	segments, err := r.store.ListSegments(ctx, meeting.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "refine", "load transcript", "Failed to load transcript segments", err)
	}

	var payload *extraction
	if structured := r.structuredMotions(meeting); len(structured) > 0 {
		logger.Info("using platform vote records, skipping model extraction",
			logging.Int("motions", len(structured)))
		payload = fromStructured(structured)
	} else {
		payload, err = r.extractWithModel(ctx, meeting, items, segments)
		if err != nil {
			return err
		}
	}

	motions, statements, err := r.resolve(ctx, logger, payload, items, segments)
	if err != nil {
		return err
	}

	if _, _, err := r.store.ReplaceRefinement(ctx, meeting.ID, motions, statements); err != nil {
		return services.Wrap(services.ErrTransient, "refine", "persist", "Failed to store refinement results", err)
	}
	if err := r.applySummaries(ctx, payload, items); err != nil {
		return err
	}

	logger.Info("refinement stored",
		logging.Int("motions", len(motions)),
		logging.Int("key_statements", len(statements)))
	return nil
}

// extractWithModel runs the prompt/validate loop against the model.
func (r *Refiner) extractWithModel(ctx context.Context, meeting *store.Meeting, items []*store.AgendaItem, segments []*store.Segment) (*extraction, error) {
	sections, err := r.loadSections(ctx, meeting.ID)
	if err != nil {
		return nil, err
	}
	userPrompt := buildUserPrompt(promptInput{
		Meeting:  meeting,
		Items:    items,
		Sections: sections,
		Segments: segments,
	})

	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	content, err := r.client.CompleteJSON(ctx, messages)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "refine", "model call", "Extraction request failed", err)
	}
	payload, parseErr := parseExtraction(content)
	if parseErr == nil {
		return payload, nil
	}

	// One corrective retry: show the model its own output and the
	// validation failure, then give up rather than invent records.
	logger := logging.WithContext(ctx, r.logger)
	logger.Warn("model response failed validation, retrying once", logging.Error(parseErr))
	messages = append(messages,
		chatMessage{Role: "assistant", Content: content},
		chatMessage{Role: "user", Content: buildCorrectionPrompt(parseErr)},
	)
	content, err = r.client.CompleteJSON(ctx, messages)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "refine", "model retry", "Corrective extraction request failed", err)
	}
	payload, parseErr = parseExtraction(content)
	if parseErr != nil {
		return nil, services.Wrap(services.ErrSchema, "refine", "validate response", "Model output failed validation twice; meeting needs manual review", parseErr)
	}
	return payload, nil
}

func (r *Refiner) loadSections(ctx context.Context, meetingID int64) ([]*store.Section, error) {
	docs, err := r.store.ListDocuments(ctx, meetingID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "refine", "load documents", "Failed to load documents", err)
	}
	var sections []*store.Section
	for _, doc := range docs {
		docSections, err := r.store.ListSections(ctx, doc.ID)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "refine", "load sections", "Failed to load document sections", err)
		}
		sections = append(sections, docSections...)
	}
	return sections, nil
}

// structuredMotions reads platform vote records cached on the meeting
// by the scrape phase.
func (r *Refiner) structuredMotions(meeting *store.Meeting) []scraper.StructuredMotion {
	raw := strings.TrimSpace(meeting.Meta[MetaStructuredMotions])
	if raw == "" {
		return nil
	}
	var motions []scraper.StructuredMotion
	if err := json.Unmarshal([]byte(raw), &motions); err != nil {
		r.logger.Warn("unreadable structured vote records, falling back to model", logging.Error(err))
		return nil
	}
	return motions
}

// fromStructured converts platform vote records into the extraction
// shape so the rest of the pipeline is identical for both paths.
func fromStructured(motions []scraper.StructuredMotion) *extraction {
	payload := &extraction{}
	for _, m := range motions {
		em := extractedMotion{
			Text:   m.Body,
			Mover:  m.Mover,
			Result: normalizeResult(m.Result),
		}
		for _, v := range m.Votes {
			em.Votes = append(em.Votes, extractedVote{Member: v.Name, Value: normalizeVoteValue(v.Value)})
		}
		payload.Motions = append(payload.Motions, em)
	}
	return payload
}

// resolve maps validated extraction output onto stored rows: person
// references, matter links, timestamps, and normalized categories.
func (r *Refiner) resolve(ctx context.Context, logger *slog.Logger, payload *extraction, items []*store.AgendaItem, segments []*store.Segment) ([]store.Motion, []store.KeyStatement, error) {
	people, err := r.store.ListPeople(ctx)
	if err != nil {
		return nil, nil, services.Wrap(services.ErrTransient, "refine", "load people", "Failed to load people", err)
	}

	motions := make([]store.Motion, 0, len(payload.Motions))
	seenMotions := map[string]struct{}{}
	for _, em := range payload.Motions {
		key := textutil.NormalizeIdentifier(em.Text)
		if _, dup := seenMotions[key]; dup {
			logger.Debug("dropping duplicate motion", logging.String("text", truncateText(em.Text, 80)))
			continue
		}
		seenMotions[key] = struct{}{}

		motion := store.Motion{
			Body:   strings.TrimSpace(em.Text),
			Result: normalizeResult(em.Result),
		}
		if person, err := r.resolvePerson(ctx, logger, &people, em.Mover); err != nil {
			return nil, nil, err
		} else if person != nil {
			motion.MoverPersonID = &person.ID
		}
		if person, err := r.resolvePerson(ctx, logger, &people, em.Seconder); err != nil {
			return nil, nil, err
		} else if person != nil {
			motion.SeconderPersonID = &person.ID
		}

		item := itemForOrdinal(items, em.Ordinal)
		if item != nil {
			motion.AgendaItemID = &item.ID
		}
		if r.engine != nil {
			motion.TimeOffset = r.engine.LocateMotion(em.Text, item, segments)
		}

		for _, vote := range em.Votes {
			row := store.Vote{
				MemberName: strings.TrimSpace(vote.Member),
				Value:      normalizeVoteValue(vote.Value),
			}
			if person, err := r.resolvePerson(ctx, logger, &people, vote.Member); err != nil {
				return nil, nil, err
			} else if person != nil {
				row.PersonID = &person.ID
			}
			motion.Votes = append(motion.Votes, row)
		}
		motions = append(motions, motion)
	}

	statements := make([]store.KeyStatement, 0, len(payload.KeyStatements))
	seenStatements := map[string]struct{}{}
	for _, es := range payload.KeyStatements {
		key := textutil.NormalizeIdentifier(es.Speaker + es.Statement)
		if _, dup := seenStatements[key]; dup {
			continue
		}
		seenStatements[key] = struct{}{}
		statement := store.KeyStatement{
			Speaker: strings.TrimSpace(es.Speaker),
			Body:    strings.TrimSpace(es.Statement),
		}
		if item := itemForOrdinal(items, es.Ordinal); item != nil {
			statement.AgendaItemID = &item.ID
		}
		statements = append(statements, statement)
	}

	if err := r.linkMatters(ctx, logger, payload, items); err != nil {
		return nil, nil, err
	}
	return motions, statements, nil
}

// applySummaries writes category and summary text onto agenda items.
// Categories normalize to the configured canonical topic set.
func (r *Refiner) applySummaries(ctx context.Context, payload *extraction, items []*store.AgendaItem) error {
	var updated []*store.AgendaItem
	for _, ei := range payload.Items {
		item := itemForOrdinal(items, &ei.Ordinal)
		if item == nil {
			continue
		}
		item.Category = r.cfg.Refiner.CategoryFor(ei.Category)
		item.Summary = strings.TrimSpace(ei.Summary)
		updated = append(updated, item)
	}
	if len(updated) == 0 {
		return nil
	}
	if err := r.store.UpdateAgendaRefinement(ctx, updated); err != nil {
		return services.Wrap(services.ErrTransient, "refine", "persist summaries", "Failed to store agenda summaries", err)
	}
	return nil
}

// linkMatters matches extracted matter references against existing
// Matters by normalized identifier, then fuzzy title similarity. A new
// Matter is created only when nothing clears the threshold.
func (r *Refiner) linkMatters(ctx context.Context, logger *slog.Logger, payload *extraction, items []*store.AgendaItem) error {
	if len(payload.Matters) == 0 {
		return nil
	}
	existing, err := r.store.ListMatters(ctx)
	if err != nil {
		return services.Wrap(services.ErrTransient, "refine", "load matters", "Failed to load matters", err)
	}

	var linked []*store.AgendaItem
	for _, em := range payload.Matters {
		identifier := strings.TrimSpace(em.Identifier)
		if identifier == "" {
			continue
		}
		normalized := textutil.NormalizeIdentifier(identifier)
		matter := findMatter(existing, normalized, em.Title, r.cfg.Refiner.MatterMatchThreshold)
		if matter == nil {
			matter, err = r.store.EnsureMatter(ctx, identifier, normalized, strings.TrimSpace(em.Title))
			if err != nil {
				return services.Wrap(services.ErrTransient, "refine", "create matter", "Failed to create matter", err)
			}
			existing = append(existing, matter)
			logger.Info("new matter created", logging.String("identifier", identifier))
		}
		if item := itemForOrdinal(items, em.Ordinal); item != nil {
			item.MatterID = &matter.ID
			linked = append(linked, item)
		}
	}
	if len(linked) == 0 {
		return nil
	}
	if err := r.store.UpdateAgendaRefinement(ctx, linked); err != nil {
		return services.Wrap(services.ErrTransient, "refine", "link matter", "Failed to link matter to agenda item", err)
	}
	return nil
}

// findMatter returns the existing matter matching the reference, by
// exact normalized identifier first and fuzzy title similarity second.
func findMatter(existing []*store.Matter, normalized, title string, threshold float64) *store.Matter {
	for _, m := range existing {
		if m.NormalizedIdentifier == normalized {
			return m
		}
	}
	reference := textutil.NewFingerprint(title)
	if reference == nil {
		return nil
	}
	var best *store.Matter
	bestScore := 0.0
	for _, m := range existing {
		score := textutil.CosineSimilarity(reference, textutil.NewFingerprint(m.Title))
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	if best != nil && bestScore >= threshold {
		return best
	}
	return nil
}

// resolvePerson matches a name against known people by normalized
// name, then by token subset for partial names, creating the person
// when nothing matches. A partial name matching several people is
// logged and left unresolved rather than guessed.
func (r *Refiner) resolvePerson(ctx context.Context, logger *slog.Logger, people *[]*store.Person, name string) (*store.Person, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	normalized := textutil.NormalizeName(name)
	for _, p := range *people {
		if p.NormalizedName == normalized {
			return p, nil
		}
	}

	// Partial names ("Councillor Smith") match when exactly one known
	// person's name contains all the given tokens.
	var partial []*store.Person
	tokens := strings.Fields(normalized)
	for _, p := range *people {
		if len(tokens) > 0 && containsAllTokens(p.NormalizedName, tokens) {
			partial = append(partial, p)
		}
	}
	switch len(partial) {
	case 1:
		return partial[0], nil
	case 0:
		person, err := r.store.EnsurePerson(ctx, name, normalized, "")
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "refine", "create person", "Failed to create person record", err)
		}
		*people = append(*people, person)
		logger.Debug("new person recorded", logging.String("name", name))
		return person, nil
	default:
		logger.Warn("ambiguous person match left unresolved",
			logging.String("name", name),
			logging.Int("candidates", len(partial)))
		return nil, nil
	}
}

func containsAllTokens(normalizedName string, tokens []string) bool {
	haystack := strings.Fields(normalizedName)
	for _, token := range tokens {
		found := false
		for _, h := range haystack {
			if h == token {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func itemForOrdinal(items []*store.AgendaItem, ordinal *int) *store.AgendaItem {
	if ordinal == nil {
		return nil
	}
	for _, item := range items {
		if item.Ordinal == *ordinal {
			return item
		}
	}
	return nil
}

func normalizeResult(result string) string {
	normalized := strings.ToLower(strings.TrimSpace(result))
	switch normalized {
	case "carried", "defeated", "tabled", "withdrawn", "referred":
		return normalized
	case "passed", "adopted", "approved", "pass":
		return "carried"
	case "failed", "lost", "fail":
		return "defeated"
	case "deferred", "postponed":
		return "tabled"
	default:
		// Platform vote records can carry labels outside the known
		// vocabulary. The raw value is kept rather than guessing an
		// outcome; the model path never reaches here because the
		// schema validator has already constrained it.
		return normalized
	}
}

func normalizeVoteValue(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "yes", "no", "abstain", "absent", "recused":
		return normalized
	case "yea", "aye", "for", "in favour", "in favor":
		return "yes"
	case "nay", "against", "opposed":
		return "no"
	case "abstained", "abstention":
		return "abstain"
	case "recuse", "conflict":
		return "recused"
	default:
		return normalized
	}
}

func truncateText(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
