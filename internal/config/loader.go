package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads a .env file if present, overlaying it onto the process
// environment, then resolves Config from environment variables, applying
// defaults for everything left unset.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		DataPath: getenv("COUNCIL_DATA_PATH", "data"),
		Host:     getenv("COUNCIL_HOST", "0.0.0.0"),
		Port:     getenvInt("COUNCIL_PORT", 8088),

		LogPath:  getenv("COUNCIL_LOG_PATH", ""),
		LogLevel: getenv("COUNCIL_LOG_LEVEL", "info"),

		AuthToken: getenv("COUNCIL_AUTH_TOKEN", ""),

		DB: DBConfig{
			Search: SearchConfig{
				Backend: getenv("KB_SEARCH_BACKEND", "sqlite"),
				DSN:     getenv("KB_SEARCH_DSN", ""),
			},
			Vector: VectorConfig{
				Backend:    getenv("KB_VECTOR_BACKEND", "sqlite"),
				DSN:        getenv("KB_VECTOR_DSN", ""),
				Collection: getenv("QDRANT_COLLECTION", "council_chunks"),
				Dimensions: getenvInt("KB_VECTOR_DIMENSIONS", 768),
				Metric:     getenv("KB_VECTOR_METRIC", "cosine"),
			},
			Graph: GraphConfig{
				Backend:  getenv("KB_GRAPH_BACKEND", "memory"),
				DSN:      getenv("NEO4J_URI", ""),
				Username: getenv("NEO4J_USERNAME", "neo4j"),
				Password: getenv("NEO4J_PASSWORD", ""),
			},
		},

		LLM: LLMConfig{
			OpenRouter: ProviderConfig{
				APIKey:  getenv("OPENROUTER_API_KEY", ""),
				BaseURL: getenv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			},
			DashScope: ProviderConfig{
				APIKey:  getenv("DASHSCOPE_API_KEY", ""),
				BaseURL: getenv("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			},
			APIYi: ProviderConfig{
				APIKey:  getenv("APIYI_API_KEY", ""),
				BaseURL: getenv("APIYI_BASE_URL", "https://api.apiyi.com/v1"),
			},
			Ollama: ProviderConfig{
				APIKey:  getenv("OLLAMA_API_KEY", ""),
				BaseURL: getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
			},
			ChairmanModel: getenv("COUNCIL_CHAIRMAN_MODEL", "openrouter:anthropic/claude-3.5-sonnet"),
			TitleModel:    getenv("COUNCIL_TITLE_MODEL", "openrouter:anthropic/claude-3-haiku"),
		},

		Jobs: JobsConfig{
			Workers:    getenvInt("JOBS_WORKERS", 1),
			SqlitePath: getenv("JOBS_SQLITE_PATH", "data/jobs.sqlite"),
			RedisURL:   getenv("JOBS_REDIS_URL", ""),
		},

		Tools: ToolsConfig{
			SerpAPIKey:             getenv("SERPAPI_KEY", ""),
			PaperPlaywrightEnabled: getenvBool("PAPER_PLAYWRIGHT_ENABLED", false),
		},

		Watch: KBWatchConfig{
			Dir:             getenv("KB_WATCH_DIR", ""),
			IntervalSeconds: getenvInt("KB_WATCH_INTERVAL_SECONDS", 30),
			Enabled:         getenvBool("KB_WATCH_ENABLED", false),
		},

		OTelEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelServiceName: getenv("OTEL_SERVICE_NAME", "council"),
	}

	if cfg.Watch.Dir != "" {
		cfg.Watch.Enabled = true
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.DB.Search.Backend {
	case "sqlite", "postgres", "pg", "memory":
	default:
		return fmt.Errorf("config: unknown KB_SEARCH_BACKEND %q", cfg.DB.Search.Backend)
	}
	switch cfg.DB.Vector.Backend {
	case "sqlite", "qdrant", "memory":
	default:
		return fmt.Errorf("config: unknown KB_VECTOR_BACKEND %q", cfg.DB.Vector.Backend)
	}
	switch cfg.DB.Graph.Backend {
	case "memory", "neo4j":
	default:
		return fmt.Errorf("config: unknown KB_GRAPH_BACKEND %q", cfg.DB.Graph.Backend)
	}
	return nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
