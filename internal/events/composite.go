package events

import (
	"context"
	"log/slog"
)

// Composite fans out each event to all child emitters. A failing child never
// blocks the others; losses are logged, not propagated.
type Composite struct {
	children []Emitter
	log      *slog.Logger
}

// NewComposite creates a Composite over children.
func NewComposite(log *slog.Logger, children ...Emitter) *Composite {
	if log == nil {
		log = slog.Default()
	}
	return &Composite{children: children, log: log}
}

func (c *Composite) Emit(ctx context.Context, ev Event) error {
	for _, child := range c.children {
		if err := child.Emit(ctx, ev); err != nil {
			c.log.Warn("event emitter failed",
				slog.String("event_type", string(ev.Type)),
				slog.String("issue_id", ev.IssueID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
