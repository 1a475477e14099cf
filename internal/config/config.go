package config

import (
	"fmt"
	"localai-backend/internal/integrations/ollama"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration values loaded from environment variables.
type Config struct {
	HTTPPort string
	// DatabaseURL selects Postgres when it carries a postgres:// or postgresql:// scheme.
	DatabaseURL string
	SQLitePath  string

	OllamaHost      string
	DefaultModel    string
	CatalogFallback ollama.CatalogPolicy
	CatalogTimeout  time.Duration

	MemoryDir string
	// EmbeddingModel is served by OllamaHost. Empty selects the offline hash embedder.
	EmbeddingModel string
	ContextTopK    int

	AutoSessionOnStream bool
	CORSAllowedOrigins  []string
}

// UsePostgres reports whether transcripts go to Postgres instead of SQLite.
func (c *Config) UsePostgres() bool {
	u := strings.ToLower(c.DatabaseURL)
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// LoadConfig loads configuration from environment variables.
// It looks for a .env file first, then checks actual environment variables.
func LoadConfig() (*Config, error) {
	// Attempt to load .env file (useful for development)
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: Could not load .env file. Using environment variables only.", err)
	}

	policy, err := ollama.ParseCatalogPolicy(getEnv("CATALOG_FALLBACK", string(ollama.CatalogFallbackDefault)))
	if err != nil {
		return nil, err
	}

	timeoutSecs, err := getEnvInt("CATALOG_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	catalogTimeout := time.Duration(timeoutSecs) * time.Second
	if catalogTimeout <= 0 || catalogTimeout > ollama.MaxCatalogTimeout {
		log.Printf("Warning: CATALOG_TIMEOUT_SECONDS=%d out of range, using %s", timeoutSecs, ollama.MaxCatalogTimeout)
		catalogTimeout = ollama.MaxCatalogTimeout
	}

	topK, err := getEnvInt("CONTEXT_TOP_K", 3)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("CONTEXT_TOP_K must be positive, got %d", topK)
	}

	autoSession, err := strconv.ParseBool(getEnv("AUTO_SESSION_ON_STREAM", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_SESSION_ON_STREAM: %w", err)
	}

	cfg := &Config{
		HTTPPort:            getEnv("HTTP_PORT", "8000"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "./local_ai.db"),
		OllamaHost:          getEnv("OLLAMA_HOST", ollama.DefaultHost),
		DefaultModel:        getEnv("DEFAULT_MODEL", "gpt-oss:20b"),
		CatalogFallback:     policy,
		CatalogTimeout:      catalogTimeout,
		MemoryDir:           getEnv("MEMORY_DIR", "./chroma_db"),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", ""),
		ContextTopK:         topK,
		AutoSessionOnStream: autoSession,
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	store := "sqlite:" + cfg.SQLitePath
	if cfg.UsePostgres() {
		store = "postgres:***"
	}
	log.Printf("Loaded config: Port=%s, Store=%s, Ollama=%s, DefaultModel=%s, CatalogFallback=%s, MemoryDir=%s, EmbeddingModel=%q, TopK=%d, AutoSession=%t",
		cfg.HTTPPort, store, cfg.OllamaHost, cfg.DefaultModel, cfg.CatalogFallback, cfg.MemoryDir, cfg.EmbeddingModel, cfg.ContextTopK, cfg.AutoSessionOnStream)

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Env variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
