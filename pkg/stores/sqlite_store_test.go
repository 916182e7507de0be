package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "opsdeck-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleExecution(id string) *engine.Execution {
	return &engine.Execution{
		ID:          id,
		Type:        engine.ExecutionTypeCommand,
		PluginName:  "bolt",
		Targets:     []string{"web01", "db01"},
		Action:      "uptime",
		Params:      map[string]interface{}{"shell": "bash"},
		Timeout:     2 * time.Minute,
		Status:      engine.ExecutionStatusQueued,
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestSaveAndGetExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ex := sampleExecution("ex-1")
	if err := store.SaveExecution(ctx, ex); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetExecution(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != ex.ID || got.Type != ex.Type || got.PluginName != ex.PluginName {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if len(got.Targets) != 2 || got.Targets[0] != "web01" {
		t.Errorf("targets not preserved: %v", got.Targets)
	}
	if got.Params["shell"] != "bash" {
		t.Errorf("params not preserved: %v", got.Params)
	}
	if got.Timeout != 2*time.Minute {
		t.Errorf("timeout not preserved: %v", got.Timeout)
	}
	if got.Status != engine.ExecutionStatusQueued {
		t.Errorf("status not preserved: %v", got.Status)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetExecution(context.Background(), "ghost")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdateExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ex := sampleExecution("ex-1")
	if err := store.SaveExecution(ctx, ex); err != nil {
		t.Fatal(err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	completed := started.Add(3 * time.Second)
	ex.Status = engine.ExecutionStatusPartial
	ex.StartedAt = &started
	ex.CompletedAt = &completed
	ex.Error = "one target unreachable"
	ex.Results = []engine.ExecutionResult{
		{Target: "web01", Status: engine.ResultStatusSuccess, ExitCode: 0, Stdout: "up 3 days"},
		{Target: "db01", Status: engine.ResultStatusUnreachable, Error: "no route to host"},
	}
	if err := store.UpdateExecution(ctx, ex); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := store.GetExecution(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.ExecutionStatusPartial || got.Error != "one target unreachable" {
		t.Errorf("terminal state not preserved: %+v", got)
	}
	if len(got.Results) != 2 || got.Results[1].Status != engine.ResultStatusUnreachable {
		t.Errorf("results not preserved: %+v", got.Results)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not preserved")
	}
}

func TestUpdateExecutionNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateExecution(context.Background(), sampleExecution("ghost"))
	if !engine.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestListExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, spec := range []struct {
		id     string
		status engine.ExecutionStatus
		plugin string
	}{
		{"ex-1", engine.ExecutionStatusSuccess, "bolt"},
		{"ex-2", engine.ExecutionStatusFailed, "bolt"},
		{"ex-3", engine.ExecutionStatusSuccess, "sshexec"},
	} {
		ex := sampleExecution(spec.id)
		ex.Status = spec.status
		ex.PluginName = spec.plugin
		ex.SubmittedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.SaveExecution(ctx, ex); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListExecutions(ctx, engine.ExecutionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(all))
	}
	if all[0].ID != "ex-3" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	failed, err := store.ListExecutions(ctx, engine.ExecutionFilter{Status: engine.ExecutionStatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "ex-2" {
		t.Errorf("status filter mismatch: %+v", failed)
	}

	byPlugin, err := store.ListExecutions(ctx, engine.ExecutionFilter{PluginName: "sshexec"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPlugin) != 1 || byPlugin[0].ID != "ex-3" {
		t.Errorf("plugin filter mismatch: %+v", byPlugin)
	}

	limited, err := store.ListExecutions(ctx, engine.ExecutionFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit applied, got %d", len(limited))
	}
}

func TestListNonTerminalExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id     string
		status engine.ExecutionStatus
	}{
		{"ex-queued", engine.ExecutionStatusQueued},
		{"ex-running", engine.ExecutionStatusRunning},
		{"ex-done", engine.ExecutionStatusSuccess},
		{"ex-dead", engine.ExecutionStatusFailed},
	} {
		ex := sampleExecution(spec.id)
		ex.Status = spec.status
		if err := store.SaveExecution(ctx, ex); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := store.ListNonTerminalExecutions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 non-terminal executions, got %d", len(stale))
	}
	for _, ex := range stale {
		if ex.Status.IsTerminal() {
			t.Errorf("terminal execution %s returned", ex.ID)
		}
	}
}

func TestSaveAndListEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []engine.StreamEvent{
		{ExecutionID: "ex-1", Seq: 0, Type: engine.StreamEventStart, Status: engine.ExecutionStatusRunning, Timestamp: now},
		{ExecutionID: "ex-1", Seq: 1, Type: engine.StreamEventStdout, Target: "web01", Data: "up 3 days", Timestamp: now},
		{ExecutionID: "ex-1", Seq: 2, Type: engine.StreamEventComplete, Status: engine.ExecutionStatusSuccess, Timestamp: now},
		{ExecutionID: "other", Seq: 0, Type: engine.StreamEventStart, Timestamp: now},
	}
	for i := range events {
		if err := store.SaveEvent(ctx, &events[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListEvents(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i) {
			t.Errorf("expected sequence order, got seq %d at index %d", ev.Seq, i)
		}
	}
	if got[1].Data != "up 3 days" || got[1].Target != "web01" {
		t.Errorf("event payload mismatch: %+v", got[1])
	}
	if got[2].Status != engine.ExecutionStatusSuccess {
		t.Errorf("terminal status mismatch: %+v", got[2])
	}
}

func TestAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	entries := []engine.AuditEntry{
		{ID: "a1", Action: "execution.submit", ExecutionID: "ex-1", User: "alice", CreatedAt: base},
		{ID: "a2", Action: "execution.cancel", ExecutionID: "ex-1", User: "bob", CreatedAt: base.Add(time.Second)},
		{ID: "a3", Action: "execution.submit", ExecutionID: "ex-2", User: "alice", CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range entries {
		if err := store.AppendAudit(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListAuditEntries(ctx, "", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a3" {
		t.Fatalf("expected 3 entries newest first, got %+v", all)
	}

	submits, err := store.ListAuditEntries(ctx, "execution.submit", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(submits) != 2 {
		t.Errorf("action filter mismatch: %d entries", len(submits))
	}

	byUser, err := store.ListAuditEntries(ctx, "", "bob", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 1 || byUser[0].Action != "execution.cancel" {
		t.Errorf("user filter mismatch: %+v", byUser)
	}
}

func TestPruneEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	for i, ts := range []time.Time{old, old.Add(time.Minute), recent} {
		ev := engine.StreamEvent{ExecutionID: "ex-1", Seq: uint64(i), Type: engine.StreamEventStdout, Timestamp: ts}
		if err := store.SaveEvent(ctx, &ev); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 events pruned, got %d", removed)
	}

	remaining, err := store.ListEvents(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 event remaining, got %d", len(remaining))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate must be a no-op, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}
