// Package config holds process-wide configuration loaded once at startup
// from environment variables (optionally via a .env file), following the
// teacher's env-var-plus-typed-defaults idiom.
package config

// SearchConfig configures the full-text backend of the knowledge base.
type SearchConfig struct {
	Backend string // "sqlite" (default), "postgres", "memory"
	DSN     string
}

// VectorConfig configures the embedding/vector backend.
type VectorConfig struct {
	Backend    string // "sqlite" (default), "qdrant", "memory"
	DSN        string
	Collection string
	Dimensions int
	Metric     string // cosine|l2|ip
}

// GraphConfig configures the knowledge-graph backend.
type GraphConfig struct {
	Backend  string // "memory" (default), "neo4j"
	DSN      string
	Username string
	Password string
}

// DBConfig groups the three knowledge-base storage backends.
type DBConfig struct {
	Search SearchConfig
	Vector VectorConfig
	Graph  GraphConfig
}

// ProviderConfig holds per-provider credentials and base URL overrides for
// the LLM Gateway's closed provider enumeration.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// LLMConfig groups gateway configuration for all recognized providers.
type LLMConfig struct {
	OpenRouter ProviderConfig
	DashScope  ProviderConfig
	APIYi      ProviderConfig
	Ollama     ProviderConfig

	ChairmanModel string // global fallback chairman model_spec
	TitleModel    string
}

// JobsConfig configures the job runner's worker pool. RedisURL is loaded
// from JOBS_REDIS_URL but nothing reads it: job notifications always fan out
// in-process, and there is no distributed notification bus.
type JobsConfig struct {
	Workers    int
	SqlitePath string
	RedisURL   string // loaded but unused
}

// ToolsConfig configures optional external services used by tool plugins.
type ToolsConfig struct {
	SerpAPIKey             string
	PaperPlaywrightEnabled bool
}

// KBWatchConfig configures the folder-watch poller.
type KBWatchConfig struct {
	Dir             string
	IntervalSeconds int
	Enabled         bool
}

// Config is the fully resolved process configuration.
type Config struct {
	DataPath string // root of data/ per the persisted state layout
	Host     string
	Port     int

	LogPath  string
	LogLevel string

	AuthToken string // shared-secret bearer token; empty disables auth

	DB    DBConfig
	LLM   LLMConfig
	Jobs  JobsConfig
	Tools ToolsConfig
	Watch KBWatchConfig

	OTelEndpoint    string
	OTelServiceName string
}
