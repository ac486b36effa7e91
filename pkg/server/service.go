package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/sources"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("research job not found")

// Parameter bounds accepted by CreateJob.
const (
	MaxDepth   = 5
	MaxBreadth = 10
)

// EngineFactory builds a fresh engine for one job.
type EngineFactory func(ctx context.Context, opts ...research.Option) (*research.Engine, error)

type Service struct {
	DB        *database.PostgresDB
	Cfg       *config.Config
	NewEngine EngineFactory
	// Indexer stores the accepted sources of finished jobs. Nil disables indexing.
	Indexer *sources.Indexer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(db *database.PostgresDB, cfg *config.Config, newEngine EngineFactory, indexer *sources.Indexer) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		DB:        db,
		Cfg:       cfg,
		NewEngine: newEngine,
		Indexer:   indexer,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Shutdown cancels running jobs and waits for their workers to record the
// outcome.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Status    string          `json:"status"`
	Depth     int             `json:"depth"`
	Breadth   int             `json:"breadth"`
	Report    *string         `json:"report,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Calls     int             `json:"calls"`
	State     json.RawMessage `json:"state,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CreateJobRequest struct {
	Topic   string `json:"topic" binding:"required"`
	Depth   *int   `json:"depth,omitempty" binding:"omitempty,min=0,max=5"`
	Breadth *int   `json:"breadth,omitempty" binding:"omitempty,min=1,max=10"`
}

// params resolves the request against the configured defaults.
func (r CreateJobRequest) params(cfg *config.Config) (depth, breadth int, err error) {
	depth, breadth = cfg.Depth, cfg.Breadth
	if r.Depth != nil {
		depth = *r.Depth
	}
	if r.Breadth != nil {
		breadth = *r.Breadth
	}
	if depth < 0 || depth > MaxDepth || breadth < 1 || breadth > MaxBreadth {
		return 0, 0, fmt.Errorf("%w: depth must be 0-%d and breadth 1-%d", research.ErrInvalidParams, MaxDepth, MaxBreadth)
	}
	return depth, breadth, nil
}

func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	depth, breadth, err := req.params(s.Cfg)
	if err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(map[string]any{
		"llm_provider":       s.Cfg.LLMProvider,
		"fast_model":         s.Cfg.FastModel,
		"reasoning_model":    s.Cfg.ReasoningModel,
		"search_provider":    s.Cfg.SearchProvider,
		"max_external_calls": s.Cfg.MaxExternalCalls,
		"salvage":            s.Cfg.SalvageOnFailure,
		"collection":         s.Cfg.CollectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job config: %w", err)
	}

	query := `
		INSERT INTO research_jobs (id, topic, status, depth, breadth, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, topic, status, depth, breadth, calls, created_at, updated_at
	`
	job := &Job{Config: configJSON}
	err = s.DB.Pool.QueryRow(ctx, query, uuid.New(), req.Topic, database.StatusPending, depth, breadth, configJSON).Scan(
		&job.ID, &job.Topic, &job.Status, &job.Depth, &job.Breadth, &job.Calls, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(job.ID, job.Topic, depth, breadth)
	}()

	return job, nil
}

const jobColumns = `id, topic, status, depth, breadth, report, error, calls, state, config, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var state, cfg []byte
	err := row.Scan(&job.ID, &job.Topic, &job.Status, &job.Depth, &job.Breadth,
		&job.Report, &job.Error, &job.Calls, &state, &cfg, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.State = state
	job.Config = cfg
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(s.DB.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the 50 most recent jobs without their state.
func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+jobColumns+` FROM research_jobs ORDER BY created_at DESC LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.State = nil
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// LoadState returns the persisted research state of a job.
func (s *Service) LoadState(ctx context.Context, id uuid.UUID) (*research.ResearchState, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	state := research.NewResearchState()
	if len(job.State) > 0 {
		if err := json.Unmarshal(job.State, state); err != nil {
			return nil, fmt.Errorf("failed to decode job state: %w", err)
		}
	}
	return state, nil
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// jobResult is the terminal row update for a job.
type jobResult struct {
	Status string
	Report *string
	Error  *string
}

// finish maps the outcome of Engine.Research to the job's final status.
func finish(outcome *research.Outcome, err error) jobResult {
	if err != nil {
		msg := err.Error()
		return jobResult{Status: database.StatusFailed, Error: &msg}
	}
	report := outcome.Report
	if outcome.Partial {
		msg := outcome.Cause.Error()
		return jobResult{Status: database.StatusPartial, Report: &report, Error: &msg}
	}
	return jobResult{Status: database.StatusCompleted, Report: &report}
}

func (s *Service) runWorker(jobID uuid.UUID, topic string, depth, breadth int) {
	ctx := s.ctx
	logger := slog.New(NewDBLogHandler(s.DB, jobID, slog.Default().Handler())).With("job_id", jobID.String())

	if _, err := s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = $2, updated_at = NOW() WHERE id = $1", jobID, database.StatusRunning); err != nil {
		logger.Error("Failed to mark job running", "error", err)
	}

	engine, err := s.NewEngine(ctx,
		research.WithLogger(logger),
		research.WithStateHook(s.persistState(jobID, logger)),
	)
	if err != nil {
		s.complete(jobID, logger, jobResult{Status: database.StatusFailed, Error: ptr(fmt.Sprintf("failed to init engine: %v", err))}, 0)
		return
	}

	logger.Info("Starting research", "topic", topic, "depth", depth, "breadth", breadth)
	outcome, err := engine.Research(ctx, topic, depth, breadth)
	result := finish(outcome, err)
	s.complete(jobID, logger, result, engine.Budget().Used())

	if outcome != nil && s.Indexer != nil {
		// Indexing is best effort and must not change the job status.
		if _, err := s.Indexer.Index(context.WithoutCancel(ctx), jobID.String(), outcome.State.SearchResults); err != nil {
			logger.Warn("Failed to index sources", "error", err)
		}
	}
}

// persistState writes the state after every engine mutation.
func (s *Service) persistState(jobID uuid.UUID, logger *slog.Logger) func(*research.ResearchState) {
	return func(state *research.ResearchState) {
		stateJSON, err := json.Marshal(state)
		if err != nil {
			logger.Error("Failed to marshal state", "error", err)
			return
		}
		_, err = s.DB.Pool.Exec(context.Background(),
			"UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1",
			jobID, stateJSON)
		if err != nil {
			logger.Error("Failed to save state to DB", "error", err)
		}
	}
}

func (s *Service) complete(jobID uuid.UUID, logger *slog.Logger, result jobResult, calls int) {
	switch result.Status {
	case database.StatusFailed:
		logger.Error("Research failed", "error", deref(result.Error))
	case database.StatusPartial:
		logger.Warn("Research stopped early, partial report saved", "error", deref(result.Error))
	default:
		logger.Info("Research completed", "calls", calls)
	}

	_, err := s.DB.Pool.Exec(context.Background(),
		"UPDATE research_jobs SET status = $2, report = $3, error = $4, calls = $5, updated_at = NOW() WHERE id = $1",
		jobID, result.Status, result.Report, result.Error, calls)
	if err != nil {
		logger.Error("Failed to save job result", "error", err)
	}
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
