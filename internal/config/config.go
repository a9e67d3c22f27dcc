package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ArchiveDir string `toml:"archive_dir"`
	LogDir     string `toml:"log_dir"`
	DBPath     string `toml:"db_path"`
}

// Municipality describes one ingestion source.
type Municipality struct {
	Name          string `toml:"name"`
	Platform      string `toml:"platform"` // civicweb, legistar, statichtml
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	VideoPlatform string `toml:"video_platform"` // hosted platform key, or empty
	VideoBaseURL  string `toml:"video_base_url"`
	TimeZone      string `toml:"time_zone"`
}

// LLM contains connection settings for the refinement model.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Embeddings contains connection settings for the embedding model.
type Embeddings struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	BatchSize      int    `toml:"batch_size"`
	Parallelism    int    `toml:"parallelism"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Diarization contains settings for the local speech pipeline.
type Diarization struct {
	Enabled           bool    `toml:"enabled"`
	Model             string  `toml:"model"`
	CUDAEnabled       bool    `toml:"cuda_enabled"`
	IdentifyThreshold float64 `toml:"identify_threshold"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// Refiner contains matter matching and category normalization knobs.
type Refiner struct {
	MatterMatchThreshold float64           `toml:"matter_match_threshold"`
	CategoryMap          map[string]string `toml:"category_map"`
}

// Alignment contains heuristic matching thresholds.
type Alignment struct {
	MatchThreshold float64 `toml:"match_threshold"`
	WindowSeconds  int     `toml:"window_seconds"`
}

// Workflow contains per-phase timeouts and skip toggles.
type Workflow struct {
	ScrapeTimeoutSeconds   int      `toml:"scrape_timeout_seconds"`
	DownloadTimeoutSeconds int      `toml:"download_timeout_seconds"`
	RefineTimeoutSeconds   int      `toml:"refine_timeout_seconds"`
	SkipPhases             []string `toml:"skip_phases"`
	VideoURLTTLHours       int      `toml:"video_url_ttl_hours"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the pipeline.
//
// Configuration sections by subsystem:
//   - Paths: archive, log, and database locations
//   - Municipalities: one table per ingestion source, keyed by short name
//   - LLM: refinement model connection
//   - Embeddings: embedding model connection and batching
//   - Diarization: local speech model settings
//   - Refiner: matter matching threshold and category normalization
//   - Alignment: agenda/transcript matching thresholds
//   - Workflow: timeouts, TTLs, and phase skips
//   - Notifications: ntfy change summaries
//   - Logging: format and level
type Config struct {
	Paths          Paths                   `toml:"paths"`
	Municipalities map[string]Municipality `toml:"municipality"`
	LLM            LLM                     `toml:"llm"`
	Embeddings     Embeddings              `toml:"embeddings"`
	Diarization    Diarization             `toml:"diarization"`
	Refiner        Refiner                 `toml:"refiner"`
	Alignment      Alignment               `toml:"alignment"`
	Workflow       Workflow                `toml:"workflow"`
	Notifications  Notifications           `toml:"notifications"`
	Logging        Logging                 `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/hansard/config.toml")
}

// Sample returns the embedded sample configuration.
func Sample() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("hansard.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for pipeline operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.ArchiveDir, c.Paths.LogDir}
	if c.Paths.DBPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.DBPath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PhaseSkipped reports whether a pipeline phase is disabled by configuration.
func (c *Config) PhaseSkipped(phase string) bool {
	for _, skip := range c.Workflow.SkipPhases {
		if strings.EqualFold(strings.TrimSpace(skip), phase) {
			return true
		}
	}
	return false
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.ArchiveDir, err = expandPath(c.Paths.ArchiveDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.DBPath, err = expandPath(c.Paths.DBPath); err != nil {
		return err
	}
	for key, muni := range c.Municipalities {
		muni.Platform = strings.ToLower(strings.TrimSpace(muni.Platform))
		muni.BaseURL = strings.TrimRight(strings.TrimSpace(muni.BaseURL), "/")
		muni.VideoBaseURL = strings.TrimRight(strings.TrimSpace(muni.VideoBaseURL), "/")
		if muni.Name == "" {
			muni.Name = key
		}
		c.Municipalities[key] = muni
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
