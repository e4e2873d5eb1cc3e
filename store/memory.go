package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// MemoryStore is an ExecutionStore kept in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*workflow.WorkflowExecution
	// byWorkflow holds execution ids oldest first.
	byWorkflow map[string][]string
	max        int
}

// NewMemoryStore creates a store retaining up to maxPerWorkflow executions
// per workflow. Zero or less uses DefaultMaxPerWorkflow.
func NewMemoryStore(maxPerWorkflow int) *MemoryStore {
	if maxPerWorkflow <= 0 {
		maxPerWorkflow = DefaultMaxPerWorkflow
	}
	return &MemoryStore{
		executions: make(map[string]*workflow.WorkflowExecution),
		byWorkflow: make(map[string][]string),
		max:        maxPerWorkflow,
	}
}

// Save stores a snapshot of exec.
func (s *MemoryStore) Save(_ context.Context, exec *workflow.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	snap := exec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[snap.ID]; !exists {
		ids := append(s.byWorkflow[snap.WorkflowID], snap.ID)
		for len(ids) > s.max {
			delete(s.executions, ids[0])
			ids = ids[1:]
		}
		s.byWorkflow[snap.WorkflowID] = ids
	}
	s.executions[snap.ID] = snap
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*workflow.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byWorkflow[workflowID]
	out := make([]*workflow.WorkflowExecution, 0, len(ids))
	for _, id := range slices.Backward(ids) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.executions[id].Clone())
	}
	return out, nil
}
