// Package clients builds the generation and search services selected by
// the configuration.
package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Generators holds the fast model used throughout the research tree and the
// reasoning model used for the final report.
type Generators struct {
	Fast      llm.Generator
	Reasoning llm.Generator
}

// NewGenerators creates both generators for cfg.LLMProvider.
func NewGenerators(ctx context.Context, cfg *config.Config) (*Generators, error) {
	fast, err := NewGenerator(ctx, cfg, cfg.FastModel)
	if err != nil {
		return nil, fmt.Errorf("fast model: %w", err)
	}
	reasoning, err := NewGenerator(ctx, cfg, cfg.ReasoningModel)
	if err != nil {
		return nil, fmt.Errorf("reasoning model: %w", err)
	}
	return &Generators{Fast: fast, Reasoning: reasoning}, nil
}

// NewGenerator creates a generator for one model of the configured provider.
func NewGenerator(ctx context.Context, cfg *config.Config, model string) (llm.Generator, error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		if cfg.GoogleApiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
		}
		return llm.NewGemini(ctx, cfg.GoogleApiKey, model)

	case config.ProviderLangChainGoogle:
		if cfg.GoogleApiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
		}
		// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
		m, err := googleai.New(ctx, googleai.WithAPIKey(cfg.GoogleApiKey), googleai.WithDefaultModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to create googleai client: %w", err)
		}
		return llm.NewLangChain(m), nil

	case config.ProviderAnthropic:
		if cfg.AnthropicApiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		m, err := anthropic.New(anthropic.WithToken(cfg.AnthropicApiKey), anthropic.WithModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
		return llm.NewLangChain(m), nil

	default:
		return nil, fmt.Errorf("invalid llm provider: %s", cfg.LLMProvider)
	}
}

// NewSearcher creates the document search service for cfg.SearchProvider.
func NewSearcher(cfg *config.Config) (research.Searcher, error) {
	switch cfg.SearchProvider {
	case config.SearchExa:
		if cfg.ExaApiKey == "" {
			return nil, fmt.Errorf("EXA_API_KEY is not set")
		}
		return search.NewExa(cfg.ExaApiKey), nil
	case config.SearchArxiv:
		var ocr *search.OCR
		if cfg.MistralApiKey != "" {
			ocr = search.NewOCR(cfg.MistralApiKey)
		}
		return search.NewArxiv(ocr), nil
	default:
		return nil, fmt.Errorf("invalid search provider: %s", cfg.SearchProvider)
	}
}

// NewEngine wires a research engine from the configuration.
func NewEngine(ctx context.Context, cfg *config.Config, opts ...research.Option) (*research.Engine, error) {
	gens, err := NewGenerators(ctx, cfg)
	if err != nil {
		return nil, err
	}
	searcher, err := NewSearcher(cfg)
	if err != nil {
		return nil, err
	}

	base := []research.Option{
		research.WithReportGenerator(gens.Reasoning),
		research.WithMaxCalls(cfg.MaxExternalCalls),
	}
	if cfg.SalvageOnFailure {
		base = append(base, research.WithFailurePolicy(research.Salvage))
	}
	return research.NewEngine(gens.Fast, searcher, append(base, opts...)...), nil
}
