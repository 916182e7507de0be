package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestOrchestrator wires an orchestrator over an in-memory store and the
// given execution plugins. Start is left to the test.
func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, plugins ...ExecutionPlugin) (*Orchestrator, *memStore, *Registry) {
	t.Helper()

	store := newMemStore()
	registry := NewRegistry(nil)
	for _, p := range plugins {
		if err := registry.Register(p, PluginConfig{}); err != nil {
			t.Fatalf("failed to register plugin %s: %v", p.Name(), err)
		}
	}

	broadcaster := NewStreamBroadcaster(BroadcasterConfig{Retention: 10 * time.Millisecond}, store, nil)
	o := NewOrchestrator(cfg, registry, store, broadcaster, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, store, registry
}

func submitCommand(t *testing.T, o *Orchestrator, targets ...string) *Execution {
	t.Helper()
	ex, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "uptime",
		Targets: targets,
		User:    "tester",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return ex
}

func TestSubmitValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{MaxTargets: 3}, &fakeExecPlugin{name: "exec"})

	cases := []struct {
		name string
		req  *SubmitRequest
	}{
		{"nil request", nil},
		{"unknown type", &SubmitRequest{Type: "reboot-the-moon", Action: "x", Targets: []string{"a"}}},
		{"missing action", &SubmitRequest{Type: ExecutionTypeCommand, Targets: []string{"a"}}},
		{"no targets", &SubmitRequest{Type: ExecutionTypeCommand, Action: "x"}},
		{"too many targets", &SubmitRequest{Type: ExecutionTypeCommand, Action: "x", Targets: []string{"a", "b", "c", "d"}}},
		{"empty target", &SubmitRequest{Type: ExecutionTypeCommand, Action: "x", Targets: []string{"a", ""}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tc.req)
			if CodeOf(err) != ErrCodeValidation {
				t.Fatalf("expected VALIDATION error, got %v", err)
			}
		})
	}
}

func TestSubmitFactsNeedsNoAction(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{}, &fakeExecPlugin{name: "exec"})

	if _, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeFacts,
		Targets: []string{"node1"},
	}); err != nil {
		t.Fatalf("expected facts submission without action accepted, got %v", err)
	}
}

func TestSubmitNoExecutionPlugin(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{})

	_, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "uptime",
		Targets: []string{"node1"},
	})
	if CodeOf(err) != ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestExecutionLifecycleSuccess(t *testing.T) {
	plugin := &fakeExecPlugin{name: "exec"}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)
	o.Start()

	ex := submitCommand(t, o, "node1", "node2")
	if ex.Status != ExecutionStatusQueued {
		t.Fatalf("expected queued at submit, got %s", ex.Status)
	}

	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusSuccess {
		t.Fatalf("expected success, got %s (%s)", final.Status, final.Error)
	}
	if len(final.Results) != 2 {
		t.Fatalf("expected one result per target, got %d", len(final.Results))
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatal("expected started and completed timestamps set")
	}

	events, _ := store.ListEvents(context.Background(), ex.ID)
	var types []string
	for _, ev := range events {
		types = append(types, string(ev.Type))
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, string(StreamEventStart)) ||
		!strings.Contains(joined, string(StreamEventComplete)) {
		t.Fatalf("expected start and complete events persisted, got %s", joined)
	}

	actions := store.auditActions()
	if len(actions) == 0 || actions[0] != "execution.submit" {
		t.Fatalf("expected submit audit entry, got %v", actions)
	}
}

func TestQueueFullRejectsAndResolvesRow(t *testing.T) {
	// Workers never started, so the single queue slot stays occupied.
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{QueueSize: 1}, &fakeExecPlugin{name: "exec"})

	first := submitCommand(t, o, "node1")
	_, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "uptime",
		Targets: []string{"node2"},
	})
	if CodeOf(err) != ErrCodeUpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE on full queue, got %v", err)
	}

	// The rejected submission must not linger as a queued row.
	listed, _ := store.ListExecutions(context.Background(), ExecutionFilter{Status: ExecutionStatusFailed})
	if len(listed) != 1 {
		t.Fatalf("expected rejected execution marked failed, got %d failed rows", len(listed))
	}
	if listed[0].ID == first.ID {
		t.Fatal("wrong execution marked failed")
	}
}

type denyAll struct{}

func (denyAll) Admit(context.Context, *Execution) error {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied, Message: "denied"}
}

func TestSubmitPolicyDenied(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry(nil)
	_ = registry.Register(&fakeExecPlugin{name: "exec"}, PluginConfig{})
	broadcaster := NewStreamBroadcaster(BroadcasterConfig{}, store, nil)
	o := NewOrchestrator(OrchestratorConfig{}, registry, store, broadcaster, denyAll{}, nil)

	_, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "rm -rf /",
		Targets: []string{"node1"},
	})
	if CodeOf(err) != ErrCodePolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}

	// Denied submissions are never persisted.
	listed, _ := store.ListExecutions(context.Background(), ExecutionFilter{Limit: 10})
	if len(listed) != 0 {
		t.Fatalf("expected no persisted executions, got %d", len(listed))
	}
}

func TestCancelQueued(t *testing.T) {
	var ran atomic.Bool
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			ran.Store(true)
			return nil, nil
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)

	ex := submitCommand(t, o, "node1")
	cancelled, err := o.Cancel(context.Background(), ex.ID, "tester")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Workers must discard the cancelled entry instead of running it.
	o.Start()
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled queued execution must not run")
	}

	persisted, err := store.GetExecution(context.Background(), ex.ID)
	if err != nil || persisted.Status != ExecutionStatusCancelled {
		t.Fatalf("expected cancellation persisted, got %+v err=%v", persisted, err)
	}

	// Cancelling again is a no-op.
	again, err := o.Cancel(context.Background(), ex.ID, "tester")
	if err != nil || again.Status != ExecutionStatusCancelled {
		t.Fatalf("expected idempotent cancel, got %s err=%v", again.Status, err)
	}
}

func TestCancelWinsDequeueRace(t *testing.T) {
	var ran atomic.Bool
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			ran.Store(true)
			return nil, nil
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)

	ex := submitCommand(t, o, "node1")
	if _, err := o.Cancel(context.Background(), ex.ID, "tester"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// A worker that dequeued the execution before the cancellation landed
	// must still honor it when claiming the running slot.
	o.process(ex)

	if ran.Load() {
		t.Fatal("cancelled execution must not run")
	}
	persisted, err := store.GetExecution(context.Background(), ex.ID)
	if err != nil || persisted.Status != ExecutionStatusCancelled {
		t.Fatalf("expected cancellation to survive the dequeue race, got %+v err=%v", persisted, err)
	}
}

func TestCancelRunning(t *testing.T) {
	started := make(chan struct{})
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)
	o.Start()

	ex := submitCommand(t, o, "node1")
	<-started

	if _, err := o.Cancel(context.Background(), ex.ID, "tester"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestExecutionTimeoutWithoutResults(t *testing.T) {
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)
	o.Start()

	ex, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "sleep 3600",
		Targets: []string{"node1"},
		Timeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusTimeout {
		t.Fatalf("expected timeout without results, got %s", final.Status)
	}
	if len(final.Results) != 1 || final.Results[0].Status != ResultStatusFailed {
		t.Fatalf("expected a failed result for the timed-out target, got %+v", final.Results)
	}
}

func TestExecutionTimeoutWithPartialResults(t *testing.T) {
	plugin := &fakeExecPlugin{
		name:      "exec",
		perTarget: true,
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			if req.Targets[0] == "fast" {
				return []TargetOutcome{{Target: "fast", Status: ResultStatusSuccess}}, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)
	o.Start()

	ex, err := o.Submit(context.Background(), &SubmitRequest{
		Type:    ExecutionTypeCommand,
		Action:  "work",
		Targets: []string{"fast", "slow"},
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusPartial {
		t.Fatalf("expected partial on timeout with results, got %s", final.Status)
	}
	if len(final.Results) != 2 {
		t.Fatalf("expected one result per target, got %+v", final.Results)
	}
	byTarget := map[string]ExecutionResult{}
	for _, r := range final.Results {
		byTarget[r.Target] = r
	}
	if byTarget["fast"].Status != ResultStatusSuccess {
		t.Fatalf("expected the completed target's result kept, got %+v", byTarget["fast"])
	}
	slow := byTarget["slow"]
	if slow.Status != ResultStatusFailed || !strings.Contains(slow.Error, ErrCodeTargetUnreachable) {
		t.Fatalf("expected timed-out target failed with an unreachable reason, got %+v", slow)
	}
}

func TestConcurrencyCeilingQueuesExcessSubmissions(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			started <- req.ExecutionID
			<-release
			return []TargetOutcome{{Target: req.Targets[0], Status: ResultStatusSuccess}}, nil
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{Workers: 1}, plugin)
	o.Start()

	first := submitCommand(t, o, "node1")
	if got := <-started; got != first.ID {
		t.Fatalf("expected first submission running, got %s", got)
	}

	second := submitCommand(t, o, "node2")
	time.Sleep(50 * time.Millisecond)

	queued, err := store.GetExecution(context.Background(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != ExecutionStatusQueued {
		t.Fatalf("expected second submission held queued while the worker is busy, got %s", queued.Status)
	}
	select {
	case id := <-started:
		t.Fatalf("execution %s started past the concurrency ceiling", id)
	default:
	}

	// Freeing the slot lets the queued submission run to completion.
	close(release)
	if got := <-started; got != second.ID {
		t.Fatalf("expected second submission started after slot freed, got %s", got)
	}
	final, err := waitForStatus(store, second.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusSuccess {
		t.Fatalf("expected success, got %s (%s)", final.Status, final.Error)
	}
}

func TestPerTargetUnreachableDoesNotAbortBatch(t *testing.T) {
	plugin := &fakeExecPlugin{
		name:      "exec",
		perTarget: true,
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			if req.Targets[0] == "down" {
				return nil, NewUnreachableError("no route to host", nil)
			}
			return []TargetOutcome{{Target: req.Targets[0], Status: ResultStatusSuccess}}, nil
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, plugin)
	o.Start()

	ex := submitCommand(t, o, "up1", "down", "up2")
	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if final.Status != ExecutionStatusPartial {
		t.Fatalf("expected partial, got %s", final.Status)
	}
	byTarget := map[string]ResultStatus{}
	for _, r := range final.Results {
		byTarget[r.Target] = r.Status
	}
	if byTarget["down"] != ResultStatusUnreachable {
		t.Fatalf("expected unreachable result for down target, got %s", byTarget["down"])
	}
	if byTarget["up1"] != ResultStatusSuccess || byTarget["up2"] != ResultStatusSuccess {
		t.Fatalf("expected remaining targets to succeed, got %+v", byTarget)
	}
}

func TestRetriesTransientFailuresBeforeOutput(t *testing.T) {
	var calls atomic.Int32
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			if calls.Add(1) < 3 {
				return nil, NewUnavailableError("transport flake", nil)
			}
			return []TargetOutcome{{Target: "node1", Status: ResultStatusSuccess}}, nil
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, plugin)
	o.Start()

	ex := submitCommand(t, o, "node1")
	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusSuccess {
		t.Fatalf("expected success after retries, got %s (%s)", final.Status, final.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNoRetryOnceOutputStreamed(t *testing.T) {
	var calls atomic.Int32
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			calls.Add(1)
			emit(StreamEvent{Type: StreamEventStdout, Data: "partial output"})
			return nil, NewUnavailableError("died mid-run", nil)
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, plugin)
	o.Start()

	ex := submitCommand(t, o, "node1")
	final, err := waitForStatus(store, ex.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ExecutionStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected single attempt once output streamed, got %d", got)
	}
}

func TestNoRetryOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	plugin := &fakeExecPlugin{
		name: "exec",
		run: func(ctx context.Context, req *RunRequest, emit EventSink) ([]TargetOutcome, error) {
			calls.Add(1)
			return nil, NewValidationError("bad action", nil)
		},
	}
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, plugin)
	o.Start()

	ex := submitCommand(t, o, "node1")
	if _, err := waitForStatus(store, ex.ID, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected no retry on permanent error, got %d attempts", got)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, OrchestratorConfig{}, &fakeExecPlugin{name: "exec"})

	now := time.Now()
	stale := []*Execution{
		{ID: "queued-1", Type: ExecutionTypeCommand, Status: ExecutionStatusQueued, SubmittedAt: now},
		{ID: "running-1", Type: ExecutionTypeCommand, Status: ExecutionStatusRunning, SubmittedAt: now},
		{ID: "done-1", Type: ExecutionTypeCommand, Status: ExecutionStatusSuccess, SubmittedAt: now},
	}
	for _, ex := range stale {
		if err := store.SaveExecution(context.Background(), ex); err != nil {
			t.Fatal(err)
		}
	}

	recovered, err := o.RecoverInterrupted(context.Background())
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected 2 recovered executions, got %d", recovered)
	}

	for _, id := range []string{"queued-1", "running-1"} {
		ex, _ := store.GetExecution(context.Background(), id)
		if ex.Status != ExecutionStatusFailed || ex.Recovered != "interrupted" {
			t.Errorf("%s: expected failed/interrupted, got %s/%q", id, ex.Status, ex.Recovered)
		}
	}
	ex, _ := store.GetExecution(context.Background(), "done-1")
	if ex.Status != ExecutionStatusSuccess {
		t.Errorf("terminal execution must not be touched by recovery, got %s", ex.Status)
	}
}

func TestPinnedPluginName(t *testing.T) {
	primary := &fakeExecPlugin{name: "primary", priority: 1}
	secondary := &fakeExecPlugin{name: "secondary", priority: 2}
	o, _, _ := newTestOrchestrator(t, OrchestratorConfig{}, primary, secondary)

	ex, err := o.Submit(context.Background(), &SubmitRequest{
		Type:       ExecutionTypeCommand,
		Action:     "uptime",
		Targets:    []string{"node1"},
		PluginName: "secondary",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ex.PluginName != "secondary" {
		t.Fatalf("expected pinned plugin used, got %s", ex.PluginName)
	}
}

func TestNormalizeOutcomes(t *testing.T) {
	results := normalizeOutcomes(
		[]string{"a", "b", "c"},
		[]TargetOutcome{
			{Target: "a", Status: ResultStatusSuccess, ExitCode: 0},
			{Target: "c", Status: ResultStatusFailed, ExitCode: 1},
		},
	)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Target != "a" || results[0].Status != ResultStatusSuccess {
		t.Errorf("unexpected result for a: %+v", results[0])
	}
	if results[1].Target != "b" || results[1].Status != ResultStatusFailed || results[1].Error == "" {
		t.Errorf("unreported target must come back failed, got %+v", results[1])
	}
	if results[2].Target != "c" || results[2].Status != ResultStatusFailed {
		t.Errorf("unexpected result for c: %+v", results[2])
	}
}

func TestStatusFromResults(t *testing.T) {
	success := ExecutionResult{Status: ResultStatusSuccess}
	failed := ExecutionResult{Status: ResultStatusFailed}
	unreachable := ExecutionResult{Status: ResultStatusUnreachable}

	cases := []struct {
		name    string
		results []ExecutionResult
		want    ExecutionStatus
	}{
		{"all success", []ExecutionResult{success, success}, ExecutionStatusSuccess},
		{"all failed", []ExecutionResult{failed, unreachable}, ExecutionStatusFailed},
		{"mixed", []ExecutionResult{success, failed}, ExecutionStatusPartial},
		{"empty", nil, ExecutionStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFromResults(tc.results); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
