// Package diarize runs the local speech pipeline: voice-activity
// segmentation, speaker clustering, identity matching against stored
// voice fingerprints, and per-segment transcription.
package diarize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"log/slog"

	"hansard/internal/config"
	"hansard/internal/logging"
	"hansard/internal/services"
	"hansard/internal/store"
	"hansard/internal/textutil"
)

const (
	uvxCommand   = "uvx"
	defaultModel = "large-v3"

	pypiIndexURL = "https://pypi.org/simple"
	cudaIndexURL = "https://download.pytorch.org/whl/cu124"
)

// RawSegment is one diarized speech span as emitted by the speech tool.
type RawSegment struct {
	Speaker   string    `json:"speaker"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Text      string    `json:"text"`
	Failed    bool      `json:"transcribe_failed"`
	Embedding []float32 `json:"embedding,omitempty"`
}

type diarizationPayload struct {
	Segments []RawSegment `json:"segments"`
}

// Service wraps the diarization subprocess and identity matching.
type Service struct {
	cfg           config.Diarization
	logger        *slog.Logger
	commandRunner func(ctx context.Context, name string, args ...string) error
}

// NewService creates a diarization service.
func NewService(cfg config.Diarization, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{cfg: cfg, logger: logger.With(logging.String("component", "diarize"))}
}

// WithCommandRunner sets a custom command runner (used in tests).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.commandRunner = runner
}

// Model returns the configured speech model name for logging.
func (s *Service) Model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return defaultModel
}

// Diarize runs the speech pipeline over audioPath and returns the raw
// segments. Output JSON is written into outputDir so a later run can
// reuse it. Segments whose transcription failed keep their span with
// empty text and the failure marker.
func (s *Service) Diarize(ctx context.Context, audioPath, outputDir string) ([]RawSegment, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, services.Wrap(services.ErrModel, "diarize", "validate inputs", "No audio path supplied to diarization", nil)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "diarize", "ensure output dir", "Failed to create diarization output directory", err)
	}

	args := s.buildArgs(audioPath, outputDir)
	if err := s.run(ctx, uvxCommand, args...); err != nil {
		return nil, services.Wrap(services.ErrModel, "diarize", "run speech tool", "Speech pipeline failed for the whole recording", err)
	}

	jsonPath := outputJSONPath(audioPath, outputDir)
	segments, err := LoadSegments(jsonPath)
	if err != nil {
		return nil, services.Wrap(services.ErrModel, "diarize", "load output", "Speech tool produced unreadable output", err)
	}
	return segments, nil
}

// buildArgs constructs the uvx invocation for the speech pipeline.
func (s *Service) buildArgs(audioPath, outputDir string) []string {
	args := make([]string, 0, 16)
	if s.cfg.CUDAEnabled {
		args = append(args, "--index-url", cudaIndexURL, "--extra-index-url", pypiIndexURL)
	} else {
		args = append(args, "--index-url", pypiIndexURL)
	}
	args = append(args,
		"whisperx",
		audioPath,
		"--model", s.Model(),
		"--diarize",
		"--output_dir", outputDir,
		"--output_format", "json",
	)
	if s.cfg.CUDAEnabled {
		args = append(args, "--device", "cuda")
	} else {
		args = append(args, "--device", "cpu", "--compute_type", "int8")
	}
	return args
}

func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func outputJSONPath(audioPath, outputDir string) string {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	return filepath.Join(outputDir, base+".json")
}

// LoadSegments reads the speech tool's JSON output. Spans with no text
// are retained with the failure marker so alignment still sees their
// time range.
func LoadSegments(jsonPath string) ([]RawSegment, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var payload diarizationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse diarization json: %w", err)
	}
	for i := range payload.Segments {
		seg := &payload.Segments[i]
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			seg.Failed = true
		}
	}
	return payload.Segments, nil
}

// IdentifySpeakers replaces anonymous cluster labels with known person
// names when a cluster's voice embedding clears the similarity
// threshold against a stored fingerprint. Clusters below the threshold
// keep their anonymous label for later manual labeling.
func (s *Service) IdentifySpeakers(segments []RawSegment, fingerprints []*store.VoiceFingerprint, people map[int64]*store.Person) map[string]*store.Person {
	assigned := map[string]*store.Person{}
	clusterEmbeddings := map[string][]float32{}
	for _, seg := range segments {
		if len(seg.Embedding) > 0 {
			if _, seen := clusterEmbeddings[seg.Speaker]; !seen {
				clusterEmbeddings[seg.Speaker] = seg.Embedding
			}
		}
	}

	for cluster, embedding := range clusterEmbeddings {
		bestScore := 0.0
		var bestPerson *store.Person
		for _, fp := range fingerprints {
			person, ok := people[fp.PersonID]
			if !ok {
				continue
			}
			score := textutil.VectorCosine(embedding, fp.Vector)
			if score > bestScore {
				bestScore = score
				bestPerson = person
			}
		}
		if bestPerson != nil && bestScore >= s.cfg.IdentifyThreshold {
			assigned[cluster] = bestPerson
			s.logger.Info("speaker identified",
				logging.String("cluster", cluster),
				logging.String("person", bestPerson.Name),
				logging.Float64("score", bestScore))
		} else {
			s.logger.Debug("cluster left anonymous",
				logging.String("cluster", cluster),
				logging.Float64("best_score", bestScore))
		}
	}
	return assigned
}

// ToSegments converts raw diarization output to transcript rows,
// applying resolved speaker identities.
func ToSegments(raw []RawSegment, identities map[string]*store.Person) []store.Segment {
	out := make([]store.Segment, 0, len(raw))
	for _, seg := range raw {
		row := store.Segment{
			SpeakerLabel:     seg.Speaker,
			StartSec:         seg.Start,
			EndSec:           seg.End,
			Body:             seg.Text,
			TranscribeFailed: seg.Failed,
		}
		if person, ok := identities[seg.Speaker]; ok {
			row.SpeakerLabel = person.Name
			personID := person.ID
			row.PersonID = &personID
		}
		out = append(out, row)
	}
	return out
}
