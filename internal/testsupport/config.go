package testsupport

import (
	"path/filepath"
	"testing"

	"hansard/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and placeholder credentials that pass validation.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DBPath = filepath.Join(base, "hansard.db")
	cfg.LLM.APIKey = "test-llm-key"
	cfg.Embeddings.APIKey = "test-embeddings-key"
	cfg.Municipalities = map[string]config.Municipality{
		"rivervale": {
			Name:     "City of Rivervale",
			Platform: "civicweb",
			BaseURL:  "https://rivervale.civicweb.net",
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}
