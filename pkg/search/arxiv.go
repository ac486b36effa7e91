package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/research"
)

const defaultArxivURL = "https://export.arxiv.org/api/query"

// arxivEntry is one entry of the arXiv Atom feed.
type arxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []arxivLink `xml:"link"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []arxivEntry `xml:"entry"`
}

// pdfURL returns the PDF link of the entry, falling back to its id.
func (e arxivEntry) pdfURL() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" || link.Title == "pdf" {
			return link.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

// Arxiv searches the arXiv paper index. The content of a result is the
// abstract, or the OCR'd full text when an OCR client is set and the
// search asks for live results.
type Arxiv struct {
	BaseURL string
	OCR     *OCR
	client  *http.Client
	logger  *slog.Logger
}

func NewArxiv(ocr *OCR) *Arxiv {
	return &Arxiv{
		BaseURL: defaultArxivURL,
		OCR:     ocr,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
}

func (a *Arxiv) Search(ctx context.Context, query string, opts research.SearchOptions) ([]research.SearchResult, error) {
	maxResults := opts.ResultCount
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")
	apiURL := a.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv: failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv: failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arxiv: failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.Error("arXiv API returned non-200 status code", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("arxiv: http %d: %s", resp.StatusCode, string(body))
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv: failed to unmarshal XML: %w", err)
	}

	results := make([]research.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		result := research.SearchResult{
			Title:   strings.Join(strings.Fields(entry.Title), " "),
			URL:     entry.pdfURL(),
			Content: fmt.Sprintf("Published: %s\n\n%s", entry.Published, strings.TrimSpace(entry.Summary)),
		}
		if a.OCR != nil && opts.Freshness == research.FreshnessLive {
			text, err := a.OCR.ScrapePDF(ctx, result.URL)
			if err != nil {
				// The abstract is still a usable result.
				a.logger.Warn("OCR failed, keeping abstract", "url", result.URL, "error", err)
			} else {
				result.Content = text
			}
		}
		results = append(results, result)
		if len(results) >= maxResults {
			break
		}
	}

	a.logger.Info("arXiv search", "query", query, "results", len(results))
	return results, nil
}
