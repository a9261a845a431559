package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasnoah/archon/internal/pipeline"
)

// Memory is an in-process Store with the same semantics as Postgres,
// including version conflicts. Used in tests and local development.
type Memory struct {
	mu     sync.RWMutex
	states map[string]*pipeline.PipelineState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]*pipeline.PipelineState)}
}

func (m *Memory) Save(_ context.Context, ps *pipeline.PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[ps.IssueID]; ok {
		return fmt.Errorf("save %s: %w", ps.IssueID, ErrAlreadyExists)
	}
	m.states[ps.IssueID] = ps.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, issueID string) (*pipeline.PipelineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.states[issueID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", issueID, pipeline.ErrStateNotFound)
	}
	return ps.Clone(), nil
}

func (m *Memory) ListByStage(_ context.Context, stage pipeline.Stage) ([]*pipeline.PipelineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pipeline.PipelineState
	for _, ps := range m.states {
		if ps.CurrentStage == stage {
			out = append(out, ps.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateWithVersion(_ context.Context, ps *pipeline.PipelineState) (bool, error) {
	if ps.Version < 2 {
		return false, fmt.Errorf("update %s: version %d below initial save", ps.IssueID, ps.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.states[ps.IssueID]
	if !ok {
		return false, fmt.Errorf("update %s: %w", ps.IssueID, pipeline.ErrStateNotFound)
	}
	if stored.Version != ps.Version-1 {
		return false, nil
	}
	m.states[ps.IssueID] = ps.Clone()
	return true, nil
}

func (m *Memory) Delete(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[issueID]; !ok {
		return fmt.Errorf("delete %s: %w", issueID, pipeline.ErrStateNotFound)
	}
	delete(m.states, issueID)
	return nil
}

func (m *Memory) HealthCheck(_ context.Context) error { return nil }

func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
