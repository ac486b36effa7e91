package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
)

// DBLogHandler is a slog.Handler that writes records to research_logs so a
// job's progress can be read back over the API. Records are also passed to
// next when it is set.
type DBLogHandler struct {
	DB    *database.PostgresDB
	JobID uuid.UUID
	next  slog.Handler
	attrs []slog.Attr
}

func NewDBLogHandler(db *database.PostgresDB, jobID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{
		DB:    db,
		JobID: jobID,
		next:  next,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		_ = h.next.Handle(ctx, r.Clone())
	}

	metaJSON, err := json.Marshal(recordAttrs(h.attrs, r))
	if err != nil {
		metaJSON = []byte("{}")
	}

	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	// Logs must persist even when the job context is cancelled.
	_, err = h.DB.Pool.Exec(context.Background(), query, h.JobID, r.Time, r.Level.String(), r.Message, metaJSON)
	return err
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

// WithGroup is a no-op for the database rows; metadata stays flat.
func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

// recordAttrs flattens handler and record attributes into a JSON object.
// Errors are stored as their message.
func recordAttrs(base []slog.Attr, r slog.Record) map[string]any {
	attrs := make(map[string]any, len(base)+r.NumAttrs())
	add := func(a slog.Attr) bool {
		v := a.Value.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs[a.Key] = v
		return true
	}
	for _, a := range base {
		add(a)
	}
	r.Attrs(add)
	return attrs
}
