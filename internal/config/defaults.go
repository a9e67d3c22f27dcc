package config

const (
	defaultArchiveDir = "~/.local/share/hansard/archive"
	defaultLogDir     = "~/.local/share/hansard/logs"
	defaultDBPath     = "~/.local/share/hansard/hansard.db"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultLLMBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel          = "google/gemini-3-flash-preview"
	defaultLLMTimeoutSeconds = 120

	defaultEmbeddingsBaseURL        = "https://api.openai.com/v1/embeddings"
	defaultEmbeddingsModel          = "text-embedding-3-small"
	defaultEmbeddingsBatchSize      = 64
	defaultEmbeddingsParallelism    = 4
	defaultEmbeddingsTimeoutSeconds = 60

	defaultDiarizationModel     = "large-v3"
	defaultIdentifyThreshold    = 0.72
	defaultDiarizationTimeout   = 7200
	defaultMatterMatchThreshold = 0.82
	defaultAlignMatchThreshold  = 0.55
	defaultAlignWindowSeconds   = 120

	defaultScrapeTimeoutSeconds   = 60
	defaultDownloadTimeoutSeconds = 3600
	defaultRefineTimeoutSeconds   = 300
	defaultVideoURLTTLHours       = 4

	defaultNotifyRequestTimeout = 10
)

// DefaultCategoryMap maps frequent source agenda categories onto the eight
// canonical topics used for browsing. Municipality-specific labels can
// override or extend this table via [refiner.category_map].
var DefaultCategoryMap = map[string]string{
	"bylaws":                 "bylaws",
	"bylaw":                  "bylaws",
	"zoning":                 "land use",
	"rezoning":               "land use",
	"development permit":     "land use",
	"development variance":   "land use",
	"public hearing":         "land use",
	"finance":                "finance",
	"budget":                 "finance",
	"taxation":               "finance",
	"transportation":         "transportation",
	"transit":                "transportation",
	"roads":                  "transportation",
	"parks":                  "parks and recreation",
	"recreation":             "parks and recreation",
	"utilities":              "utilities",
	"water":                  "utilities",
	"sewer":                  "utilities",
	"housing":                "housing",
	"affordable housing":     "housing",
	"governance":             "governance",
	"council procedure":      "governance",
	"committee appointments": "governance",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ArchiveDir: defaultArchiveDir,
			LogDir:     defaultLogDir,
			DBPath:     defaultDBPath,
		},
		Municipalities: map[string]Municipality{},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Embeddings: Embeddings{
			BaseURL:        defaultEmbeddingsBaseURL,
			Model:          defaultEmbeddingsModel,
			BatchSize:      defaultEmbeddingsBatchSize,
			Parallelism:    defaultEmbeddingsParallelism,
			TimeoutSeconds: defaultEmbeddingsTimeoutSeconds,
		},
		Diarization: Diarization{
			Enabled:           true,
			Model:             defaultDiarizationModel,
			IdentifyThreshold: defaultIdentifyThreshold,
			TimeoutSeconds:    defaultDiarizationTimeout,
		},
		Refiner: Refiner{
			MatterMatchThreshold: defaultMatterMatchThreshold,
		},
		Alignment: Alignment{
			MatchThreshold: defaultAlignMatchThreshold,
			WindowSeconds:  defaultAlignWindowSeconds,
		},
		Workflow: Workflow{
			ScrapeTimeoutSeconds:   defaultScrapeTimeoutSeconds,
			DownloadTimeoutSeconds: defaultDownloadTimeoutSeconds,
			RefineTimeoutSeconds:   defaultRefineTimeoutSeconds,
			VideoURLTTLHours:       defaultVideoURLTTLHours,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// CategoryFor resolves a raw source category to a canonical topic, preferring
// configured overrides and falling back to the built-in map. Unknown
// categories map to "other".
func (r Refiner) CategoryFor(raw string) string {
	key := normalizeCategoryKey(raw)
	if key == "" {
		return "other"
	}
	if mapped, ok := r.CategoryMap[key]; ok {
		return mapped
	}
	if mapped, ok := DefaultCategoryMap[key]; ok {
		return mapped
	}
	return "other"
}
