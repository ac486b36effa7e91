package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LLM providers.
const (
	ProviderGemini          = "gemini"
	ProviderLangChainGoogle = "langchain-google"
	ProviderAnthropic       = "anthropic"
)

// Search providers.
const (
	SearchExa   = "exa"
	SearchArxiv = "arxiv"
)

type Config struct {
	GoogleApiKey    string
	AnthropicApiKey string
	ExaApiKey       string
	MistralApiKey   string
	DatabaseURL     string

	LLMProvider    string
	FastModel      string
	ReasoningModel string
	SearchProvider string

	Depth            int
	Breadth          int
	MaxExternalCalls int
	SalvageOnFailure bool

	EmbeddingModel      string
	EmbeddingDimensions int
	CollectionName      string
	ChunkSize           int
	ChunkOverlap        int

	Port string
}

// Load reads the configuration from the environment, after loading a .env
// file when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		GoogleApiKey:    getEnv("GOOGLE_API_KEY", os.Getenv("GEMINI_API_KEY")),
		AnthropicApiKey: getEnv("ANTHROPIC_API_KEY", ""),
		ExaApiKey:       getEnv("EXA_API_KEY", ""),
		MistralApiKey:   getEnv("MISTRAL_API_KEY", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),

		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderGemini)),
		FastModel:      getEnv("FAST_MODEL", "gemini-2.5-flash"),
		ReasoningModel: getEnv("REASONING_MODEL", "gemini-2.5-pro"),
		SearchProvider: strings.ToLower(getEnv("SEARCH_PROVIDER", SearchExa)),

		Depth:            getEnvAsInt("RESEARCH_DEPTH", 2),
		Breadth:          getEnvAsInt("RESEARCH_BREADTH", 3),
		MaxExternalCalls: getEnvAsInt("MAX_EXTERNAL_CALLS", 0),
		SalvageOnFailure: getEnvAsBool("SALVAGE_ON_FAILURE", false),

		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		CollectionName:      getEnv("COLLECTION_NAME", "research_sources"),
		ChunkSize:           getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:        getEnvAsInt("CHUNK_OVERLAP", 200),

		Port: getEnv("PORT", "8081"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
