package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeInfoPlugin is a scriptable information plugin for registry and
// aggregator tests.
type fakeInfoPlugin struct {
	name      string
	priority  int
	healthErr error

	listNodes func(ctx context.Context) ([]NodeRecord, error)
	getFacts  func(ctx context.Context, nodeID string) (map[string]interface{}, error)
}

func (f *fakeInfoPlugin) Name() string                { return f.name }
func (f *fakeInfoPlugin) Capabilities() []Capability  { return []Capability{CapabilityInformation} }
func (f *fakeInfoPlugin) Priority() int               { return f.priority }
func (f *fakeInfoPlugin) Close() error                { return nil }
func (f *fakeInfoPlugin) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeInfoPlugin) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	if f.listNodes == nil {
		return nil, nil
	}
	return f.listNodes(ctx)
}

func (f *fakeInfoPlugin) GetFacts(ctx context.Context, nodeID string) (map[string]interface{}, error) {
	if f.getFacts == nil {
		return nil, NewNotFoundError("no facts", nil)
	}
	return f.getFacts(ctx, nodeID)
}

// fakeExecPlugin is a scriptable execution plugin for registry and
// orchestrator tests.
type fakeExecPlugin struct {
	name      string
	priority  int
	perTarget bool
	healthErr error

	run func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error)
}

func (f *fakeExecPlugin) Name() string               { return f.name }
func (f *fakeExecPlugin) Capabilities() []Capability { return []Capability{CapabilityExecution} }
func (f *fakeExecPlugin) Priority() int              { return f.priority }
func (f *fakeExecPlugin) Close() error               { return nil }
func (f *fakeExecPlugin) RunsPerTarget() bool        { return f.perTarget }
func (f *fakeExecPlugin) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeExecPlugin) Run(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
	if f.run == nil {
		outcomes := make([]TargetOutcome, 0, len(req.Targets))
		for _, t := range req.Targets {
			outcomes = append(outcomes, TargetOutcome{Target: t, Status: ResultStatusSuccess})
		}
		return outcomes, nil
	}
	return f.run(ctx, req, emit)
}

// memStore is an in-memory ExecutionStore for orchestrator and broadcaster
// tests.
type memStore struct {
	mu         sync.Mutex
	executions map[string]Execution
	events     map[string][]StreamEvent
	audits     []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		executions: make(map[string]Execution),
		events:     make(map[string][]StreamEvent),
	}
}

func (s *memStore) SaveExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[ex.ID]; exists {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}
	s.executions[ex.ID] = *ex
	return nil
}

func (s *memStore) UpdateExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[ex.ID]; !exists {
		return NewNotFoundError(fmt.Sprintf("execution not found: %s", ex.ID), nil)
	}
	s.executions[ex.ID] = *ex
	return nil
}

func (s *memStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("execution not found: %s", id), nil)
	}
	copied := ex
	return &copied, nil
}

func (s *memStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, ex := range s.executions {
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		if filter.Type != "" && ex.Type != filter.Type {
			continue
		}
		if filter.PluginName != "" && ex.PluginName != filter.PluginName {
			continue
		}
		copied := ex
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) ListNonTerminalExecutions(_ context.Context) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, ex := range s.executions {
		if ex.Status == ExecutionStatusQueued || ex.Status == ExecutionStatusRunning {
			copied := ex
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) SaveEvent(_ context.Context, ev *StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], *ev)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, executionID string) ([]StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamEvent(nil), s.events[executionID]...), nil
}

func (s *memStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

// waitForStatus polls the store until the execution reaches a terminal status
// or the deadline expires.
func waitForStatus(store *memStore, id string, timeout time.Duration) (*Execution, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ex, err := store.GetExecution(context.Background(), id)
		if err != nil {
			return nil, err
		}
		if ex.Status.IsTerminal() {
			return ex, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("execution %s did not reach a terminal status within %v", id, timeout)
}
