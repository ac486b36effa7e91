package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/deep-research/pkg/chat"
	"github.com/mikeboe/deep-research/pkg/research"
)

const mcpVersion = "1.0.0"

// SourceSearcher answers semantic queries over indexed sources.
type SourceSearcher interface {
	SearchSources(ctx context.Context, args chat.SearchSourcesArgs) (chat.SearchSourcesResp, error)
}

// MCPServer exposes research jobs as MCP tools.
type MCPServer struct {
	jobs    JobService
	sources SourceSearcher
	server  *mcp.Server
}

// NewMCPServer registers the research tools. sources may be nil, in which
// case search_sources is not offered.
func NewMCPServer(jobs JobService, sources SourceSearcher) *MCPServer {
	s := &MCPServer{
		jobs:    jobs,
		sources: sources,
		server:  mcp.NewServer(&mcp.Implementation{Name: "deep-research", Version: mcpVersion}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "start_research",
		Description: "Start a deep research job on a topic. Returns the job id; poll get_research for the report.",
	}, s.startResearch)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_research",
		Description: "Get the status, learnings count and report of a research job.",
	}, s.getResearch)
	if sources != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "search_sources",
			Description: "Semantic search over the sources collected by research jobs.",
		}, s.searchSources)
	}
	return s
}

// Server returns the underlying MCP server.
func (s *MCPServer) Server() *mcp.Server { return s.server }

// HTTPHandler serves the streamable HTTP transport.
func (s *MCPServer) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

type StartResearchInput struct {
	Topic   string `json:"topic" jsonschema:"the research topic"`
	Depth   *int   `json:"depth,omitempty" jsonschema:"recursion depth (0-5, default from server config)"`
	Breadth *int   `json:"breadth,omitempty" jsonschema:"queries per level (1-10, default from server config)"`
}

type StartResearchOutput struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *MCPServer) startResearch(ctx context.Context, _ *mcp.CallToolRequest, in StartResearchInput) (*mcp.CallToolResult, StartResearchOutput, error) {
	if in.Topic == "" {
		return nil, StartResearchOutput{}, fmt.Errorf("topic is required")
	}
	// Omitted values fall back to the config; given ones are validated as is.
	job, err := s.jobs.CreateJob(ctx, CreateJobRequest{Topic: in.Topic, Depth: in.Depth, Breadth: in.Breadth})
	if err != nil {
		return nil, StartResearchOutput{}, err
	}
	return nil, StartResearchOutput{JobID: job.ID.String(), Status: job.Status}, nil
}

type GetResearchInput struct {
	JobID string `json:"job_id" jsonschema:"id returned by start_research"`
}

type GetResearchOutput struct {
	JobID     string   `json:"job_id"`
	Topic     string   `json:"topic"`
	Status    string   `json:"status"`
	Learnings int      `json:"learnings"`
	Sources   []string `json:"sources"`
	Report    string   `json:"report,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (s *MCPServer) getResearch(ctx context.Context, _ *mcp.CallToolRequest, in GetResearchInput) (*mcp.CallToolResult, GetResearchOutput, error) {
	id, err := uuid.Parse(in.JobID)
	if err != nil {
		return nil, GetResearchOutput{}, fmt.Errorf("invalid job id %q", in.JobID)
	}
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, GetResearchOutput{}, err
	}

	out := GetResearchOutput{
		JobID:   job.ID.String(),
		Topic:   job.Topic,
		Status:  job.Status,
		Report:  deref(job.Report),
		Error:   deref(job.Error),
		Sources: []string{},
	}
	if len(job.State) > 0 {
		var state research.ResearchState
		if err := json.Unmarshal(job.State, &state); err == nil {
			out.Learnings = len(state.Learnings)
			out.Sources = state.URLs()
		}
	}
	return nil, out, nil
}

func (s *MCPServer) searchSources(ctx context.Context, _ *mcp.CallToolRequest, in chat.SearchSourcesArgs) (*mcp.CallToolResult, chat.SearchSourcesResp, error) {
	resp, err := s.sources.SearchSources(ctx, in)
	if err != nil {
		return nil, chat.SearchSourcesResp{}, err
	}
	return nil, resp, nil
}
