// Package events defines pipeline observability events and their sinks.
// Events describe side effects and are never persisted in the state store.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the pipeline event kinds.
type Type string

const (
	TypeStateTransition Type = "state_transition"
	TypeError           Type = "error"
	TypeCompletion      Type = "completion"
	TypeTimeout         Type = "timeout"
)

// Event is one pipeline observation.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"event_type"`
	IssueID    string         `json:"issue_id"`
	Repository string         `json:"repository"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// New builds an event stamped now (UTC) with a fresh id.
func New(t Type, issueID, repository string, details map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		IssueID:    issueID,
		Repository: repository,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
}

// Emitter delivers events to a sink. Emission is best-effort; callers are
// expected to swallow errors, so sinks should make failures observable
// themselves (log, counter) rather than rely on propagation.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}
