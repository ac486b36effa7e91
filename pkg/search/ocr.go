package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOCRURL   = "https://api.mistral.ai/v1/ocr"
	defaultOCRModel = "mistral-ocr-latest"
)

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type ocrResponse struct {
	Pages []ocrPage `json:"pages"`
}

// OCR extracts the text of PDF documents with the Mistral OCR API.
type OCR struct {
	APIKey string
	URL    string
	Model  string
	client *http.Client
}

func NewOCR(apiKey string) *OCR {
	return &OCR{
		APIKey: apiKey,
		URL:    defaultOCRURL,
		Model:  defaultOCRModel,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// ScrapePDF returns the Markdown of every page of the document at docURL.
func (o *OCR) ScrapePDF(ctx context.Context, docURL string) (string, error) {
	if o.APIKey == "" {
		return "", errors.New("ocr: MISTRAL_API_KEY is not set")
	}
	docURL = strings.Replace(docURL, "http://", "https://", 1)

	payload, err := json.Marshal(map[string]any{
		"model": o.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": docURL,
		},
	})
	if err != nil {
		return "", fmt.Errorf("ocr: failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ocr: failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr: failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ocr: failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr: request failed with status %s: %s", resp.Status, string(body))
	}

	var parsed ocrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("ocr: failed to unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, page := range parsed.Pages {
		fmt.Fprintf(&sb, "- Page %d -\n%s\n\n", page.Index, page.Markdown)
	}
	return strings.TrimSpace(sb.String()), nil
}
