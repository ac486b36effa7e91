package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	topic          string
	depth          int
	breadth        int
	outputPath     string
	sourcesPath    string
	collectionName string
	salvage        bool
)

func main() {
	// Setup structured logging
	handler := slog.NewTextHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(handler))
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "deep-research",
		Short: "Recursive deep research on a topic",
		Long: `deep-research expands a topic into search queries, keeps the relevant results,
extracts learnings with follow-up questions and recurses on them, then writes a
Markdown report with the collected sources.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("topic") {
				// Interactive Mode
				reader := bufio.NewReader(os.Stdin)
				fmt.Print("Enter research topic: ")
				input, _ := reader.ReadString('\n')
				topic = strings.TrimSpace(input)
			}
			if topic == "" {
				return fmt.Errorf("topic cannot be empty")
			}
			if cmd.Flags().Changed("collection") {
				cfg.CollectionName = collectionName
			}
			if salvage {
				cfg.SalvageOnFailure = true
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "The research topic")
	rootCmd.Flags().IntVarP(&depth, "depth", "d", cfg.Depth, "Recursion depth")
	rootCmd.Flags().IntVarP(&breadth, "breadth", "b", cfg.Breadth, "Search queries per level")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "report.md", "Where to write the Markdown report")
	rootCmd.Flags().StringVar(&sourcesPath, "sources", "sources.json", "Where to write the collected sources (empty to skip)")
	rootCmd.Flags().StringVarP(&collectionName, "collection", "c", cfg.CollectionName, "Vector collection for the sources when DATABASE_URL is set")
	rootCmd.Flags().BoolVar(&salvage, "salvage", cfg.SalvageOnFailure, "Write a partial report when a service fails mid-run")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	engine, err := clients.NewEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	slog.Info("Starting research", "topic", topic, "depth", depth, "breadth", breadth,
		"provider", cfg.LLMProvider, "search", cfg.SearchProvider)
	outcome, err := engine.Research(ctx, topic, depth, breadth)
	if err != nil {
		return fmt.Errorf("research failed after %d calls: %w", engine.Budget().Used(), err)
	}
	if outcome.Partial {
		slog.Warn("Research stopped early, the report covers partial results", "cause", outcome.Cause)
	}

	if err := os.WriteFile(outputPath, []byte(outcome.Report), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	slog.Info("Report written", "path", outputPath,
		"learnings", len(outcome.State.Learnings), "sources", len(outcome.State.SearchResults),
		"calls", engine.Budget().Used())

	if sourcesPath != "" {
		if err := writeSources(sourcesPath, outcome.State.SearchResults); err != nil {
			return err
		}
	}

	if cfg.DatabaseURL != "" {
		// The report is already on disk; indexing problems only warn.
		if err := indexSources(ctx, cfg, outcome.State); err != nil {
			slog.Warn("Failed to index sources", "error", err)
		}
	}
	return nil
}

func writeSources(path string, results []research.SearchResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sources: %w", err)
	}
	return nil
}

func indexSources(ctx context.Context, cfg *config.Config, state *research.ResearchState) error {
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	src, err := clients.NewSources(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}
	summary, err := src.Indexer.Index(ctx, "", state.SearchResults)
	if err != nil {
		return err
	}
	slog.Info("Sources indexed", "collection", cfg.CollectionName,
		"indexed", summary.Indexed, "skipped", summary.Skipped, "failed", summary.Failed, "chunks", summary.Chunks)
	return nil
}
