package config

import (
	"errors"
	"fmt"
	"strings"
)

// Platform tags accepted by municipality.<key>.platform.
const (
	PlatformCivicWeb   = "civicweb"
	PlatformLegistar   = "legistar"
	PlatformStaticHTML = "statichtml"
)

var knownPlatforms = map[string]struct{}{
	PlatformCivicWeb:   {},
	PlatformLegistar:   {},
	PlatformStaticHTML: {},
}

var knownPhases = map[string]struct{}{
	"scrape":  {},
	"media":   {},
	"diarize": {},
	"align":   {},
	"refine":  {},
	"embed":   {},
}

// Validate ensures the configuration is usable. Validation failures indicate
// the run cannot proceed correctly for any meeting and are fatal.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateMunicipalities(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateEmbeddings(); err != nil {
		return err
	}
	if err := c.validateThresholds(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.ArchiveDir) == "" {
		return errors.New("paths.archive_dir must be set")
	}
	if strings.TrimSpace(c.Paths.DBPath) == "" {
		return errors.New("paths.db_path must be set")
	}
	return nil
}

func (c *Config) validateMunicipalities() error {
	if len(c.Municipalities) == 0 {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/hansard/config.toml"
		}
		return fmt.Errorf("at least one [municipality.<key>] table is required; edit %s (create with 'hansard config init')", defaultPath)
	}
	for key, muni := range c.Municipalities {
		if _, ok := knownPlatforms[muni.Platform]; !ok {
			return fmt.Errorf("municipality.%s.platform must be one of civicweb, legistar, statichtml (got %q)", key, muni.Platform)
		}
		if muni.BaseURL == "" {
			return fmt.Errorf("municipality.%s.base_url must be set", key)
		}
		if muni.Platform == PlatformLegistar && strings.TrimSpace(muni.APIKey) == "" {
			return fmt.Errorf("municipality.%s.api_key is required for the legistar platform", key)
		}
	}
	return nil
}

func (c *Config) validateLLM() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm.api_key is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateEmbeddings() error {
	if strings.TrimSpace(c.Embeddings.APIKey) == "" {
		return errors.New("embeddings.api_key is required")
	}
	if c.Embeddings.BatchSize <= 0 {
		return errors.New("embeddings.batch_size must be positive")
	}
	if c.Embeddings.Parallelism <= 0 {
		return errors.New("embeddings.parallelism must be positive")
	}
	return nil
}

func (c *Config) validateThresholds() error {
	if c.Diarization.IdentifyThreshold < 0 || c.Diarization.IdentifyThreshold > 1 {
		return errors.New("diarization.identify_threshold must be between 0 and 1")
	}
	if c.Refiner.MatterMatchThreshold < 0 || c.Refiner.MatterMatchThreshold > 1 {
		return errors.New("refiner.matter_match_threshold must be between 0 and 1")
	}
	if c.Alignment.MatchThreshold < 0 || c.Alignment.MatchThreshold > 1 {
		return errors.New("alignment.match_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	for _, phase := range c.Workflow.SkipPhases {
		normalized := strings.ToLower(strings.TrimSpace(phase))
		if _, ok := knownPhases[normalized]; !ok {
			return fmt.Errorf("workflow.skip_phases contains unknown phase %q", phase)
		}
	}
	if c.Workflow.VideoURLTTLHours < 0 {
		return errors.New("workflow.video_url_ttl_hours must not be negative")
	}
	return nil
}

func normalizeCategoryKey(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
