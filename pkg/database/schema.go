package database

import (
	"context"
	"fmt"
)

// Job statuses stored in research_jobs.status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

var schemaStatements = []struct {
	name  string
	query string
}{
	{"research_jobs table", `
		CREATE TABLE IF NOT EXISTS research_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			depth INT NOT NULL DEFAULT 2,
			breadth INT NOT NULL DEFAULT 3,
			config JSONB,
			state JSONB,
			report TEXT,
			error TEXT,
			calls INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	// Older databases created research_jobs before these columns existed.
	{"research_jobs columns", `
		ALTER TABLE research_jobs
			ADD COLUMN IF NOT EXISTS depth INT NOT NULL DEFAULT 2,
			ADD COLUMN IF NOT EXISTS breadth INT NOT NULL DEFAULT 3,
			ADD COLUMN IF NOT EXISTS state JSONB,
			ADD COLUMN IF NOT EXISTS error TEXT,
			ADD COLUMN IF NOT EXISTS calls INT NOT NULL DEFAULT 0`},
	{"research_logs table", `
		CREATE TABLE IF NOT EXISTS research_logs (
			id SERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		)`},
	{"research_logs index", "CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)"},
	{"research_jobs index", "CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)"},
	{"conversations table", `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id UUID REFERENCES research_jobs(id) ON DELETE SET NULL,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	{"conversations job column", `
		ALTER TABLE conversations
			ADD COLUMN IF NOT EXISTS job_id UUID REFERENCES research_jobs(id) ON DELETE SET NULL`},
	{"messages table", `
		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`},
	{"messages index", "CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)"},
	{"conversations index", "CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)"},
}

// InitSchema creates the job, log and chat tables. It is idempotent.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Pool.Exec(ctx, stmt.query); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}
