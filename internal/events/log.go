package events

import (
	"context"
	"log/slog"
)

// LogEmitter flattens events into structured log records. The level follows
// the event type: transitions and completions are info, timeouts warn,
// errors error.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger uses slog.Default.
func NewLogEmitter(log *slog.Logger) *LogEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(ctx context.Context, ev Event) error {
	attrs := []any{
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("issue_id", ev.IssueID),
		slog.String("repository", ev.Repository),
		slog.Time("event_time", ev.Timestamp),
	}
	for k, v := range ev.Details {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelInfo
	switch ev.Type {
	case TypeTimeout:
		level = slog.LevelWarn
	case TypeError:
		level = slog.LevelError
	}
	e.log.Log(ctx, level, "pipeline event", attrs...)
	return nil
}
