package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsdeck/opsdeck/pkg/telemetry"
)

// ExecutionStore is the persistence contract the orchestrator depends on.
// Every accepted execution is written before submission is acknowledged, so a
// crash never loses an acknowledged execution.
type ExecutionStore interface {
	EventHistory

	// SaveExecution persists a newly accepted execution.
	SaveExecution(ctx context.Context, ex *Execution) error

	// UpdateExecution persists a status or result change.
	UpdateExecution(ctx context.Context, ex *Execution) error

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// ListNonTerminalExecutions returns every queued or running execution,
	// used by startup recovery.
	ListNonTerminalExecutions(ctx context.Context) ([]*Execution, error)

	// SaveEvent persists one stream event for terminal replay.
	SaveEvent(ctx context.Context, ev *StreamEvent) error

	// AppendAudit records a submission or cancellation for the audit trail.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// Admitter decides whether a submission is allowed. The policy package
// provides the production implementation; denials surface as POLICY_DENIED
// errors to the caller.
type Admitter interface {
	Admit(ctx context.Context, ex *Execution) error
}

// RetryConfig controls transport retries for plugin calls that fail before
// any output has been produced. Once output has streamed, retrying would
// duplicate side effects, so the failure is surfaced instead.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff between retries.
	MaxDelay time.Duration
}

// OrchestratorConfig holds execution orchestrator settings.
type OrchestratorConfig struct {
	// Workers is the concurrency ceiling: at most this many executions run
	// at once.
	Workers int

	// QueueSize is the admission queue capacity. Submissions beyond it are
	// rejected rather than buffered without bound.
	QueueSize int

	// ExecutionTimeout is the default wall-clock limit per execution.
	ExecutionTimeout time.Duration

	// MaxTargets caps the target list size per submission.
	MaxTargets int

	// Retry controls pre-output transport retries.
	Retry RetryConfig
}

// DefaultOrchestratorConfig returns the orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:          4,
		QueueSize:        64,
		ExecutionTimeout: 10 * time.Minute,
		MaxTargets:       500,
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
	}
}

// SubmitRequest is one execution submission.
type SubmitRequest struct {
	// Type is the kind of action to run.
	Type ExecutionType `json:"type"`

	// Action is the command line, task name, or workflow name. May be empty
	// for facts and install executions.
	Action string `json:"action"`

	// Targets are the node identifiers to run against.
	Targets []string `json:"targets"`

	// Params are action parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// PluginName pins the execution plugin. Empty means priority resolution.
	PluginName string `json:"plugin_name,omitempty"`

	// Timeout overrides the default execution timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// User identifies the submitter for the audit trail.
	User string `json:"user,omitempty"`
}

// runningExecution tracks an in-flight execution's cancellation handle.
type runningExecution struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// Orchestrator runs executions asynchronously: submissions are validated,
// persisted, and queued FIFO; a fixed worker pool enforces the concurrency
// ceiling; results and stream events are persisted as they happen.
type Orchestrator struct {
	cfg         OrchestratorConfig
	registry    *Registry
	store       ExecutionStore
	broadcaster *StreamBroadcaster
	admitter    Admitter
	metrics     *telemetry.Metrics

	queue chan *Execution

	mu      sync.Mutex
	running map[string]*runningExecution
	// skipQueued holds ids cancelled while still queued; process consumes
	// the marker before claiming the running slot.
	skipQueued map[string]struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stop       chan struct{}
	wg         sync.WaitGroup
	started    bool
	stopped    atomic.Bool
}

// NewOrchestrator creates an orchestrator. Start must be called before
// submissions are processed. The admitter may be nil when policy checks are
// disabled.
func NewOrchestrator(cfg OrchestratorConfig, registry *Registry, store ExecutionStore, broadcaster *StreamBroadcaster, admitter Admitter, metrics *telemetry.Metrics) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = def.MaxTargets
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		admitter:    admitter,
		metrics:     metrics,
		queue:       make(chan *Execution, cfg.QueueSize),
		running:     make(map[string]*runningExecution),
		skipQueued:  make(map[string]struct{}),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	log.Info().Int("workers", o.cfg.Workers).Int("queue_size", o.cfg.QueueSize).Msg("Orchestrator started")
}

// RecoverInterrupted resolves executions left non-terminal by a previous
// process: each is marked failed with a recovered marker so callers can tell
// an interrupted run from a genuine failure. Call before Start.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := o.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted executions: %w", err)
	}

	now := time.Now()
	for _, ex := range stale {
		ex.Status = ExecutionStatusFailed
		ex.Error = "interrupted by engine restart"
		ex.Recovered = "interrupted"
		ex.CompletedAt = &now
		if err := o.store.UpdateExecution(ctx, ex); err != nil {
			return 0, fmt.Errorf("failed to recover execution %s: %w", ex.ID, err)
		}
		log.Warn().
			Str("execution_id", ex.ID).
			Msg("Recovered interrupted execution")
	}
	return len(stale), nil
}

// Submit validates and admits an execution. The execution is persisted before
// submission is acknowledged, then queued FIFO. A full queue rejects the
// submission with an UPSTREAM_UNAVAILABLE error.
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (*Execution, error) {
	if o.stopped.Load() {
		return nil, NewUnavailableError("orchestrator is shutting down", nil)
	}
	if err := o.validate(req); err != nil {
		return nil, err
	}

	plugin, err := o.registry.PickExecutionPlugin(req.PluginName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ex := &Execution{
		ID:          uuid.New().String(),
		Type:        req.Type,
		PluginName:  plugin.Name(),
		Targets:     append([]string(nil), req.Targets...),
		Action:      req.Action,
		Params:      req.Params,
		Timeout:     req.Timeout,
		Status:      ExecutionStatusQueued,
		SubmittedAt: now,
	}

	if o.admitter != nil {
		if err := o.admitter.Admit(ctx, ex); err != nil {
			o.metrics.RecordError(CodeOf(err))
			return nil, err
		}
	}

	if err := o.store.SaveExecution(ctx, ex); err != nil {
		return nil, NewInternalError("failed to persist execution", err)
	}

	select {
	case o.queue <- ex:
	default:
		// Queue full: the persisted row is resolved, not orphaned.
		failedAt := time.Now()
		ex.Status = ExecutionStatusFailed
		ex.Error = "execution queue is full"
		ex.CompletedAt = &failedAt
		if updateErr := o.store.UpdateExecution(ctx, ex); updateErr != nil {
			log.Error().Err(updateErr).Str("execution_id", ex.ID).Msg("Failed to mark rejected execution")
		}
		return nil, NewUnavailableError("execution queue is full", nil)
	}

	o.metrics.RecordExecutionSubmitted(string(ex.Type), ex.PluginName)
	o.metrics.SetQueuedExecutions(float64(len(o.queue)))

	if err := o.store.AppendAudit(ctx, &AuditEntry{
		ID:          uuid.New().String(),
		Action:      "execution.submit",
		ExecutionID: ex.ID,
		User:        req.User,
		Details:     fmt.Sprintf("type=%s plugin=%s targets=%d", ex.Type, ex.PluginName, len(ex.Targets)),
		CreatedAt:   now,
	}); err != nil {
		log.Warn().Err(err).Str("execution_id", ex.ID).Msg("Failed to append audit entry")
	}

	log.Info().
		Str("execution_id", ex.ID).
		Str("type", string(ex.Type)).
		Str("plugin", ex.PluginName).
		Int("targets", len(ex.Targets)).
		Msg("Execution submitted")
	return ex, nil
}

func (o *Orchestrator) validate(req *SubmitRequest) error {
	if req == nil {
		return NewValidationError("request is nil", nil)
	}
	if err := req.Type.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if req.Action == "" && req.Type != ExecutionTypeFacts && req.Type != ExecutionTypeInstall {
		return NewValidationError("action is required", nil)
	}
	if len(req.Targets) == 0 {
		return NewValidationError("at least one target is required", nil)
	}
	if len(req.Targets) > o.cfg.MaxTargets {
		return NewValidationError(fmt.Sprintf("too many targets: %d (max %d)", len(req.Targets), o.cfg.MaxTargets), nil)
	}
	for _, t := range req.Targets {
		if t == "" {
			return NewValidationError("empty target identifier", nil)
		}
	}
	return nil
}

// Get returns one execution by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Execution, error) {
	return o.store.GetExecution(ctx, id)
}

// List returns executions matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return o.store.ListExecutions(ctx, filter)
}

// Cancel stops an execution. Queued executions are marked cancelled without
// ever running; running executions have their context cancelled and settle
// asynchronously. Cancelling a terminal execution is a no-op returning the
// current state.
func (o *Orchestrator) Cancel(ctx context.Context, id string, user string) (*Execution, error) {
	ex, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	// The running lookup and the skip marker must be one critical section:
	// otherwise a worker could claim the execution between them and the
	// cancellation would be lost.
	o.mu.Lock()
	run, isRunning := o.running[id]
	if !isRunning && ex.Status == ExecutionStatusQueued {
		o.skipQueued[id] = struct{}{}
	}
	o.mu.Unlock()

	switch {
	case isRunning:
		run.userCancelled.Store(true)
		run.cancel()
		log.Info().Str("execution_id", id).Msg("Cancelling running execution")

	case ex.Status == ExecutionStatusQueued:
		now := time.Now()
		ex.Status = ExecutionStatusCancelled
		ex.CompletedAt = &now
		if err := o.store.UpdateExecution(ctx, ex); err != nil {
			return nil, NewInternalError("failed to persist cancellation", err)
		}
		o.metrics.RecordExecutionCompleted(string(ex.Type), string(ex.Status), 0)
		log.Info().Str("execution_id", id).Msg("Cancelled queued execution")

	default:
		// Already terminal: idempotent.
	}

	if err := o.store.AppendAudit(ctx, &AuditEntry{
		ID:          uuid.New().String(),
		Action:      "execution.cancel",
		ExecutionID: id,
		User:        user,
		CreatedAt:   time.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("execution_id", id).Msg("Failed to append audit entry")
	}

	return ex, nil
}

// QueueDepth returns the current number of queued executions.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Shutdown stops accepting submissions, cancels running executions, and waits
// for the workers to drain or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(o.stop)
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown timed out: %w", ctx.Err())
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case ex := <-o.queue:
			o.metrics.SetQueuedExecutions(float64(len(o.queue)))
			o.process(ex)
		}
	}
}

// process runs one execution end to end: status transitions, stream events,
// plugin invocation, and result persistence.
func (o *Orchestrator) process(ex *Execution) {
	timeout := o.cfg.ExecutionTimeout
	if ex.Timeout > 0 {
		timeout = ex.Timeout
	}
	runCtx, cancel := context.WithTimeout(o.baseCtx, timeout)
	defer cancel()

	// Claiming the running slot and honoring a pending cancellation happen
	// under one lock, so Cancel either sees the running handle or its skip
	// marker is consumed here.
	run := &runningExecution{cancel: cancel}
	o.mu.Lock()
	if _, skip := o.skipQueued[ex.ID]; skip {
		delete(o.skipQueued, ex.ID)
		o.mu.Unlock()
		return
	}
	o.running[ex.ID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, ex.ID)
		o.mu.Unlock()
	}()

	startedAt := time.Now()
	ex.Status = ExecutionStatusRunning
	ex.StartedAt = &startedAt
	if err := o.store.UpdateExecution(runCtx, ex); err != nil {
		log.Error().Err(err).Str("execution_id", ex.ID).Msg("Failed to mark execution running")
	}
	o.metrics.RecordExecutionStarted()

	o.broadcaster.Open(ex.ID)
	o.publish(ex.ID, StreamEvent{Type: StreamEventStart, Status: ExecutionStatusRunning})
	o.publish(ex.ID, StreamEvent{Type: StreamEventCommand, Data: ex.Action})

	var outputEmitted atomic.Bool
	emit := func(ev StreamEvent) {
		if ev.Type == StreamEventStdout || ev.Type == StreamEventStderr {
			outputEmitted.Store(true)
		}
		o.publish(ex.ID, ev)
	}

	plugin, err := o.registry.PickExecutionPlugin(ex.PluginName)
	var results []ExecutionResult
	if err == nil {
		results, err = o.runPlugin(runCtx, plugin, ex, emit, &outputEmitted)
	}

	o.finish(ex, results, err, run)
}

// runPlugin invokes the plugin, normalizing batch and per-target shapes into
// one result list. Each plugin call goes through the circuit breaker, and
// transport failures before any output are retried with capped backoff.
func (o *Orchestrator) runPlugin(ctx context.Context, plugin ExecutionPlugin, ex *Execution, emit EventSink, outputEmitted *atomic.Bool) ([]ExecutionResult, error) {
	if !plugin.RunsPerTarget() {
		req := &RunRequest{
			ExecutionID: ex.ID,
			Type:        ex.Type,
			Action:      ex.Action,
			Targets:     ex.Targets,
			Params:      ex.Params,
		}
		var outcomes []TargetOutcome
		err := o.withRetry(ctx, outputEmitted, func() error {
			return o.registry.Do(plugin.Name(), "run", func() error {
				var callErr error
				outcomes, callErr = plugin.Run(ctx, req, emit)
				return callErr
			})
		})
		if err != nil {
			return nil, err
		}
		return normalizeOutcomes(ex.Targets, outcomes), nil
	}

	// Per-target plugin: one call per target, stopping only on cancellation.
	// A failing target does not abort the rest of the batch.
	results := make([]ExecutionResult, 0, len(ex.Targets))
	for _, target := range ex.Targets {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		req := &RunRequest{
			ExecutionID: ex.ID,
			Type:        ex.Type,
			Action:      ex.Action,
			Targets:     []string{target},
			Params:      ex.Params,
		}
		var outcomes []TargetOutcome
		start := time.Now()
		err := o.withRetry(ctx, outputEmitted, func() error {
			return o.registry.Do(plugin.Name(), "run", func() error {
				var callErr error
				outcomes, callErr = plugin.Run(ctx, req, emit)
				return callErr
			})
		})
		switch {
		case err == nil:
			results = append(results, normalizeOutcomes([]string{target}, outcomes)...)
		case IsUnreachable(err):
			results = append(results, ExecutionResult{
				Target:   target,
				Status:   ResultStatusUnreachable,
				Duration: time.Since(start),
				Error:    err.Error(),
			})
		case ctx.Err() != nil:
			return results, ctx.Err()
		default:
			results = append(results, ExecutionResult{
				Target:   target,
				Status:   ResultStatusFailed,
				Duration: time.Since(start),
				Error:    err.Error(),
			})
		}
	}
	return results, nil
}

// withRetry retries transient failures with doubling backoff, but only while
// no output has streamed to subscribers.
func (o *Orchestrator) withRetry(ctx context.Context, outputEmitted *atomic.Bool, fn func() error) error {
	delay := o.cfg.Retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= o.cfg.Retry.MaxAttempts ||
			!IsRetryable(err) || outputEmitted.Load() || ctx.Err() != nil {
			return err
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying plugin call")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > o.cfg.Retry.MaxDelay {
			delay = o.cfg.Retry.MaxDelay
		}
	}
}

// finish derives the terminal status, persists it, and closes the stream.
func (o *Orchestrator) finish(ex *Execution, results []ExecutionResult, runErr error, run *runningExecution) {
	now := time.Now()
	ex.Results = results
	ex.CompletedAt = &now

	switch {
	case run.userCancelled.Load():
		ex.Status = ExecutionStatusCancelled
	case runErr != nil && isDeadline(runErr):
		if len(results) > 0 {
			ex.Status = ExecutionStatusPartial
			ex.Error = "execution timed out with partial results"
		} else {
			ex.Status = ExecutionStatusTimeout
			ex.Error = "execution timed out"
		}
		ex.Results = backfillDeadlineResults(ex.Targets, results)
	case runErr != nil:
		ex.Status = ExecutionStatusFailed
		ex.Error = runErr.Error()
	default:
		ex.Status = statusFromResults(results)
	}

	// Terminal writes use a fresh context: the run context may already be
	// cancelled or expired.
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()
	if err := o.store.UpdateExecution(persistCtx, ex); err != nil {
		log.Error().Err(err).Str("execution_id", ex.ID).Msg("Failed to persist terminal execution")
	}

	eventType := StreamEventComplete
	if ex.Status == ExecutionStatusFailed || ex.Status == ExecutionStatusTimeout {
		eventType = StreamEventError
	}
	o.publish(ex.ID, StreamEvent{Type: eventType, Status: ex.Status, Data: ex.Error})

	duration := now.Sub(valueOrNow(ex.StartedAt))
	o.metrics.RecordExecutionCompleted(string(ex.Type), string(ex.Status), duration)

	log.Info().
		Str("execution_id", ex.ID).
		Str("status", string(ex.Status)).
		Dur("duration", duration).
		Int("results", len(ex.Results)).
		Msg("Execution finished")
}

// publish fans an event out to subscribers and persists it for replay.
func (o *Orchestrator) publish(executionID string, ev StreamEvent) {
	ev = o.broadcaster.Publish(executionID, ev)

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveEvent(persistCtx, &ev); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("Failed to persist stream event")
	}
}

// backfillDeadlineResults adds a failed result for every target the deadline
// cut off before it completed, so callers always see one result per target.
func backfillDeadlineResults(targets []string, results []ExecutionResult) []ExecutionResult {
	settled := make(map[string]struct{}, len(results))
	for _, r := range results {
		settled[r.Target] = struct{}{}
	}
	for _, target := range targets {
		if _, ok := settled[target]; ok {
			continue
		}
		results = append(results, ExecutionResult{
			Target: target,
			Status: ResultStatusFailed,
			Error:  NewUnreachableError("target did not complete before the execution deadline", nil).Error(),
		})
	}
	return results
}

// normalizeOutcomes maps plugin-native outcomes onto the requested target
// list. Targets the plugin never reported come back failed so callers always
// see one result per target.
func normalizeOutcomes(targets []string, outcomes []TargetOutcome) []ExecutionResult {
	byTarget := make(map[string]TargetOutcome, len(outcomes))
	for _, out := range outcomes {
		byTarget[out.Target] = out
	}

	results := make([]ExecutionResult, 0, len(targets))
	for _, target := range targets {
		out, ok := byTarget[target]
		if !ok {
			results = append(results, ExecutionResult{
				Target: target,
				Status: ResultStatusFailed,
				Error:  "no result reported for target",
			})
			continue
		}
		results = append(results, ExecutionResult{
			Target:   out.Target,
			Status:   out.Status,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			Payload:  out.Payload,
			Duration: out.Duration,
			Error:    out.Error,
		})
	}
	return results
}

// statusFromResults derives the execution status from per-target results.
func statusFromResults(results []ExecutionResult) ExecutionStatus {
	if len(results) == 0 {
		return ExecutionStatusFailed
	}
	succeeded := 0
	for _, r := range results {
		if r.Status == ResultStatusSuccess {
			succeeded++
		}
	}
	switch succeeded {
	case len(results):
		return ExecutionStatusSuccess
	case 0:
		return ExecutionStatusFailed
	default:
		return ExecutionStatusPartial
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || CodeOf(err) == ErrCodeTimeout
}

func valueOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
