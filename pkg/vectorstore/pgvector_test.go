package vectorstore

import (
	"strings"
	"testing"
)

func TestIsValidTableName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Valid standard", "research_sources", true},
		{"Valid with numbers", "sources2024", true},
		{"Valid short", "a", true},
		{"Valid max length", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_", true}, // 63 chars
		{"Invalid start with number", "1sources", false},
		{"Invalid upper case start", "Sources", false},
		{"Invalid special chars", "research-sources", false},
		{"Invalid SQL injection", "sources; DROP TABLE research_jobs", false},
		{"Invalid empty", "", false},
		{"Invalid too long", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789__", false}, // 64 chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidTableName(tt.input); got != tt.expected {
				t.Errorf("isValidTableName(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSimilarityQuery(t *testing.T) {
	vs := &PGVectorStore{tableName: "research_sources"}

	tests := []struct {
		name      string
		topK      int
		filter    Filter
		wantWhere bool
		wantArgs  int
		wantJSON  string
		wantLimit int
	}{
		{name: "No filter", topK: 3, wantArgs: 2, wantLimit: 3},
		{name: "Default topK", topK: 0, wantArgs: 2, wantLimit: 5},
		{name: "Job filter", topK: 5, filter: Filter{JobID: "j1"}, wantWhere: true, wantArgs: 3, wantJSON: `{"job_id":"j1"}`, wantLimit: 5},
		{name: "Source and job", topK: 5, filter: Filter{Source: "https://a", JobID: "j1"}, wantWhere: true, wantArgs: 3, wantJSON: `{"job_id":"j1","source":"https://a"}`, wantLimit: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := vs.similarityQuery([]float32{0.1, 0.2}, tt.topK, tt.filter)
			if err != nil {
				t.Fatalf("similarityQuery() error = %v", err)
			}
			if !strings.Contains(query, `FROM "research_sources"`) {
				t.Errorf("query does not use the sanitized table: %s", query)
			}
			if got := strings.Contains(query, "metadata @> $3"); got != tt.wantWhere {
				t.Errorf("filter clause present = %v, want %v", got, tt.wantWhere)
			}
			if len(args) != tt.wantArgs {
				t.Fatalf("args count = %d, want %d", len(args), tt.wantArgs)
			}
			if args[1] != tt.wantLimit {
				t.Errorf("limit = %v, want %d", args[1], tt.wantLimit)
			}
			if tt.wantJSON != "" {
				if got := string(args[2].([]byte)); got != tt.wantJSON {
					t.Errorf("filter json = %s, want %s", got, tt.wantJSON)
				}
			}
		})
	}
}

func TestDocumentSource(t *testing.T) {
	doc := Document{Metadata: map[string]any{MetaSource: "https://a"}}
	if doc.Source() != "https://a" {
		t.Errorf("Source() = %q", doc.Source())
	}
	if (Document{}).Source() != "" {
		t.Error("Source() of empty metadata should be empty")
	}
}

func TestIndexedSourcesQuery(t *testing.T) {
	vs := &PGVectorStore{tableName: "research_sources"}
	urls := []string{"https://a", "https://b"}

	tests := []struct {
		name     string
		jobID    string
		wantArgs int
		wantJob  bool
		wantJSON string
	}{
		{name: "Any job", jobID: "", wantArgs: 1},
		{name: "One job", jobID: "job-B", wantArgs: 2, wantJob: true, wantJSON: `{"job_id":"job-B"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := vs.indexedSourcesQuery(tt.jobID, urls)
			if err != nil {
				t.Fatalf("indexedSourcesQuery() error = %v", err)
			}
			if !strings.Contains(query, `FROM "research_sources"`) {
				t.Errorf("query does not use the sanitized table: %s", query)
			}
			if got := strings.Contains(query, "metadata @> $2"); got != tt.wantJob {
				t.Errorf("job clause present = %v, want %v", got, tt.wantJob)
			}
			if len(args) != tt.wantArgs {
				t.Fatalf("args count = %d, want %d", len(args), tt.wantArgs)
			}
			if tt.wantJSON != "" {
				if got := string(args[1].([]byte)); got != tt.wantJSON {
					t.Errorf("filter json = %s, want %s", got, tt.wantJSON)
				}
			}
		})
	}
}

func TestContentBySourceQueryCollapsesJobs(t *testing.T) {
	vs := &PGVectorStore{tableName: "research_sources"}
	query := vs.contentBySourceQuery()
	if !strings.Contains(query, "DISTINCT ON ((metadata->>'chunk')::int)") {
		t.Errorf("query returns one row per chunk copy: %s", query)
	}
}
