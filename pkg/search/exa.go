// Package search implements research.Searcher on top of hosted document
// search APIs.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/research"
)

const defaultExaURL = "https://api.exa.ai"

type liveCrawl string

const (
	liveCrawlAlways liveCrawl = "always"
	liveCrawlNever  liveCrawl = "never"
)

type exaSearchRequest struct {
	Query      string      `json:"query"`
	NumResults int         `json:"numResults,omitempty"`
	Contents   exaContents `json:"contents"`
}

type exaContents struct {
	Text      bool      `json:"text"`
	LiveCrawl liveCrawl `json:"livecrawl,omitempty"`
}

type exaSearchResponse struct {
	Results []struct {
		ID    string `json:"id"`
		URL   string `json:"url"`
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"results"`
}

// Exa searches the web through the Exa search API and returns full page text.
type Exa struct {
	APIKey  string
	BaseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewExa(apiKey string) *Exa {
	return NewExaWithClient(apiKey, &http.Client{Timeout: 60 * time.Second})
}

// NewExaWithClient uses the supplied HTTP client, e.g. for a longer timeout.
func NewExaWithClient(apiKey string, client *http.Client) *Exa {
	return &Exa{APIKey: apiKey, BaseURL: defaultExaURL, client: client, logger: slog.Default()}
}

// Search runs one query. FreshnessLive forces a live crawl of every result.
func (e *Exa) Search(ctx context.Context, query string, opts research.SearchOptions) ([]research.SearchResult, error) {
	if strings.TrimSpace(e.APIKey) == "" {
		return nil, errors.New("exa: API key is missing")
	}

	body := exaSearchRequest{
		Query:      query,
		NumResults: opts.ResultCount,
		Contents:   exaContents{Text: true, LiveCrawl: liveCrawlNever},
	}
	if opts.Freshness == research.FreshnessLive {
		body.Contents.LiveCrawl = liveCrawlAlways
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("exa: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.BaseURL, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("exa: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exa: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("exa: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var response exaSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("exa: failed to decode response: %w", err)
	}

	results := make([]research.SearchResult, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, research.SearchResult{Title: r.Title, URL: r.URL, Content: r.Text})
		if opts.ResultCount > 0 && len(results) >= opts.ResultCount {
			break
		}
	}
	e.logger.Debug("Exa search", "query", query, "results", len(results), "livecrawl", body.Contents.LiveCrawl)
	return results, nil
}
