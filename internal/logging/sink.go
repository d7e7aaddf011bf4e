package logging

import (
	"context"
	"database/sql"

	"github.com/danielpatrickdp/dbheal/internal/driver"
)

// SQLSink persists driver output to the agent_log and episodes tables.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink wraps a database whose schema is managed by the store.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// WriteStep implements driver.Sink.
func (s *SQLSink) WriteStep(ctx context.Context, r driver.Record) error {
	entry, err := StepEntryFrom(r)
	if err != nil {
		return err
	}
	return LogStep(ctx, s.db, entry)
}

// WriteEpisode implements driver.Sink.
func (s *SQLSink) WriteEpisode(ctx context.Context, ep driver.Episode) error {
	return LogEpisode(ctx, s.db, EpisodeEntryFrom(ep))
}
