package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentgraph/graph/emit"
	"github.com/dshills/agentgraph/graph/store"
)

// RunState is the lifecycle state of one run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// ExecutionLimits carries per-run overrides of the engine's configured
// bounds. Zero values fall back to the engine options.
type ExecutionLimits struct {
	// MaxIterations bounds total node executions in this run.
	MaxIterations int

	// RunTimeout bounds the whole run's wall-clock time.
	RunTimeout time.Duration

	// NodeTimeout bounds each node execution.
	NodeTimeout time.Duration
}

// ExecutionResult is the outcome of Run, Resume, or Step.
type ExecutionResult struct {
	ThreadID string

	// Status is the terminal (or paused) run state.
	Status RunState

	// State is the final merged state. Always populated, including for
	// Failed runs, so post-mortem inspection is possible.
	State *StateContainer

	// Steps is how many node executions happened.
	Steps int

	// LastCheckpointID identifies the last successfully persisted
	// checkpoint, the resume point after a failure or pause.
	LastCheckpointID string

	// FailedNode names the node that caused a Failed status, when one did.
	FailedNode string

	// Resolutions is the audit log of conflict resolutions applied.
	Resolutions []Resolution

	// Err carries the fatal error for Failed runs.
	Err error
}

// ThreadStatus is a queryable snapshot of a thread's most recent run.
type ThreadStatus struct {
	ThreadID         string
	State            RunState
	Step             int
	CurrentNode      string
	LastCheckpointID string
	Error            string
	UpdatedAt        time.Time
}

// Engine walks a CompiledGraph node by node, or level by level for
// independent branches, threading a StateContainer through each step and
// checkpointing along the way.
//
// An Engine may drive many threads, but at most one run per thread is in
// flight at a time: starting a second run for a busy thread fails with
// ErrThreadBusy. The checkpoint store is shared across threads and guarded
// per thread, never globally.
type Engine struct {
	store      store.Store
	conditions *ConditionEvaluator
	merges     *MergeRegistry
	opts       Options

	mu       sync.Mutex
	inflight map[string]bool
	status   map[string]ThreadStatus
}

// NewEngine creates an engine over a checkpoint store. The condition
// evaluator routes conditional edges; pass the same instance used at
// compile time so predicate validation and runtime agree.
func NewEngine(st store.Store, conditions *ConditionEvaluator, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Message: "checkpoint store is required", Code: "MISSING_STORE"}
	}
	if conditions == nil {
		conditions = NewConditionEvaluator()
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Retry != nil {
		if err := o.Retry.Validate(); err != nil {
			return nil, err
		}
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}

	return &Engine{
		store:      st,
		conditions: conditions,
		merges:     NewMergeRegistry(),
		opts:       o,
		inflight:   make(map[string]bool),
		status:     make(map[string]ThreadStatus),
	}, nil
}

// Merges exposes the engine's merge registry so callers can register
// custom merge functions referenced by the state schema.
func (e *Engine) Merges() *MergeRegistry { return e.merges }

// Status returns the most recent status snapshot for a thread.
func (e *Engine) Status(threadID string) (ThreadStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[threadID]
	return st, ok
}

// Run executes the graph from its entry point to completion, pause, or
// failure. The state container must belong to a thread with no other
// in-flight run.
func (e *Engine) Run(ctx context.Context, g *CompiledGraph, state *StateContainer, limits ExecutionLimits) (*ExecutionResult, error) {
	return e.run(ctx, g, state, limits, []string{g.EntryPoint()}, "")
}

// Resume loads a checkpoint and continues execution from it. An empty
// checkpointID resumes from the thread's latest checkpoint. Resuming from
// a checkpoint that is no longer the head forks a branch when the engine's
// lineage policy is LineageFork; with LineageRejectStale it fails with a
// version-mismatch ConflictError instead.
func (e *Engine) Resume(ctx context.Context, g *CompiledGraph, threadID, checkpointID string, limits ExecutionLimits) (*ExecutionResult, error) {
	var cp store.Checkpoint
	var err error
	if checkpointID == "" {
		cp, err = e.store.Latest(ctx, threadID)
	} else {
		cp, err = e.store.Load(ctx, threadID, checkpointID)
	}
	if err != nil {
		return nil, err
	}

	head, err := e.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if head.ID != cp.ID && e.opts.Lineage == LineageRejectStale {
		return nil, &ConflictError{Conflicts: []Conflict{
			*newConflict(ConflictVersionMismatch, "checkpoint", head.ID, cp.ID),
		}}
	}

	state := &StateContainer{}
	if err := json.Unmarshal(cp.State, state); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}

	frontier := checkpointFrontier(cp.Metadata)
	if len(frontier) == 0 {
		// Nothing left to execute; the checkpoint captured a finished run.
		return &ExecutionResult{
			ThreadID:         threadID,
			Status:           RunCompleted,
			State:            state,
			LastCheckpointID: cp.ID,
		}, nil
	}
	return e.run(ctx, g, state, limits, frontier, cp.ID)
}

// Step executes exactly one node and checkpoints, leaving the run paused.
// Used for interactive stepping through a workflow. A fresh state starts at
// the entry point; otherwise the next node is determined by routing from
// the last executed node.
func (e *Engine) Step(ctx context.Context, g *CompiledGraph, state *StateContainer) (*ExecutionResult, error) {
	threadID := state.ThreadID()
	if err := e.acquire(threadID); err != nil {
		return nil, err
	}
	defer e.release(threadID)

	res := &ExecutionResult{ThreadID: threadID, State: state}
	resolver := NewConflictResolver()

	node := g.EntryPoint()
	if current := state.CurrentNode(); current != "" {
		targets, err := e.routeFrom(g, state, current, "")
		if err != nil {
			return e.finishFailed(ctx, state, res, current, err)
		}
		if len(targets) == 0 {
			res.Status = RunCompleted
			e.setStatus(res, "")
			return res, nil
		}
		node = targets[0]
	}

	lim := e.effectiveLimits(ExecutionLimits{})
	if failErr := e.checkNodeBudget(g, state, node); failErr != nil {
		state.RecordFailure(FailureRecord{Node: node, Kind: "iteration_limit", Error: failErr.Error()})
		return e.finishFailed(ctx, state, res, node, failErr)
	}

	outcome := e.executeNode(ctx, g, state, node, lim)
	res.Steps = 1
	if outcome.err != nil {
		state.RecordFailure(FailureRecord{
			Node: node, Kind: failureKind(outcome.err), Error: outcome.err.Error(), Attempt: outcome.attempts,
		})
		return e.finishFailed(ctx, state, res, node, outcome.err)
	}

	if err := e.mergeOutcome(state, resolver, res, outcome); err != nil {
		return e.finishFailed(ctx, state, res, node, err)
	}

	next, err := e.routeFrom(g, state, node, outcome.result.Next)
	if err != nil {
		state.RecordFailure(FailureRecord{Node: node, Kind: "condition", Error: err.Error()})
		return e.finishFailed(ctx, state, res, node, err)
	}

	cp, err := e.saveCheckpoint(ctx, state, "", checkpointMeta(RunPaused, res.Steps, next))
	if err != nil {
		return e.finishFailed(ctx, state, res, node, err)
	}
	res.LastCheckpointID = cp.ID

	if len(next) == 0 {
		res.Status = RunCompleted
	} else {
		res.Status = RunPaused
	}
	e.setStatus(res, node)
	return res, nil
}

// run is the shared execution loop behind Run and Resume.
func (e *Engine) run(ctx context.Context, g *CompiledGraph, state *StateContainer, limits ExecutionLimits, frontier []string, parent string) (*ExecutionResult, error) {
	threadID := state.ThreadID()
	if err := e.acquire(threadID); err != nil {
		return nil, err
	}
	defer e.release(threadID)

	lim := e.effectiveLimits(limits)
	res := &ExecutionResult{ThreadID: threadID, Status: RunRunning, State: state, LastCheckpointID: parent}
	resolver := NewConflictResolver()

	runCtx := ctx
	if lim.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, lim.RunTimeout)
		defer cancel()
	}

	e.setStatus(res, "")
	e.emit(emit.Event{ThreadID: threadID, Msg: "run_started", Meta: map[string]any{"graph": g.Name()}})

	sinceCheckpoint := 0
	for len(frontier) > 0 {
		// Level boundary: the only place a run may pause or time out, so a
		// cancelled run never leaves a half-merged level behind.
		if err := runCtx.Err(); err != nil {
			if ctx.Err() == nil {
				timeoutErr := &TimeoutError{Limit: lim.RunTimeout}
				state.RecordFailure(FailureRecord{Kind: "timeout", Error: timeoutErr.Error()})
				return e.finishFailed(ctx, state, res, "", timeoutErr)
			}
			return e.pause(ctx, state, res, frontier)
		}

		batch, rest, iterative := nextBatch(g, frontier)

		if lim.MaxIterations > 0 && res.Steps+len(batch) > lim.MaxIterations {
			limitErr := &IterationLimitError{Limit: lim.MaxIterations}
			state.RecordFailure(FailureRecord{Kind: "iteration_limit", Error: limitErr.Error()})
			return e.finishFailed(ctx, state, res, "", limitErr)
		}
		for _, node := range batch {
			if failErr := e.checkNodeBudget(g, state, node); failErr != nil {
				state.RecordFailure(FailureRecord{Node: node, Kind: "iteration_limit", Error: failErr.Error()})
				return e.finishFailed(ctx, state, res, node, failErr)
			}
		}

		outcomes := e.executeBatch(runCtx, g, state, batch, lim, iterative)
		res.Steps += len(batch)

		// Merges and routing are serialized in sorted node order even when
		// handler execution was parallel, keeping merge semantics
		// deterministic.
		next := make(map[string]bool)
		for _, outcome := range outcomes {
			if outcome.err != nil {
				state.RecordFailure(FailureRecord{
					Node: outcome.node, Kind: failureKind(outcome.err), Error: outcome.err.Error(), Attempt: outcome.attempts,
				})
				e.emit(emit.Event{ThreadID: threadID, Step: res.Steps, Node: outcome.node, Msg: "node_failed",
					Meta: map[string]any{"error": outcome.err.Error(), "attempts": outcome.attempts}})
				if e.opts.OnFailure == FailBestEffort {
					// Drop this node's routes; independent branches go on.
					continue
				}
				return e.finishFailed(ctx, state, res, outcome.node, outcome.err)
			}

			if err := e.mergeOutcome(state, resolver, res, outcome); err != nil {
				return e.finishFailed(ctx, state, res, outcome.node, err)
			}
			sinceCheckpoint++

			targets, err := e.routeFrom(g, state, outcome.node, outcome.result.Next)
			if err != nil {
				state.RecordFailure(FailureRecord{Node: outcome.node, Kind: "condition", Error: err.Error()})
				e.emit(emit.Event{ThreadID: threadID, Step: res.Steps, Node: outcome.node, Msg: "condition_failed",
					Meta: map[string]any{"error": err.Error()}})
				if e.opts.OnFailure == FailBestEffort {
					continue
				}
				return e.finishFailed(ctx, state, res, outcome.node, err)
			}
			for _, t := range targets {
				next[t] = true
			}
		}

		frontier = mergeFrontier(rest, next)

		if e.opts.CheckpointEvery > 0 && sinceCheckpoint >= e.opts.CheckpointEvery {
			cp, err := e.saveCheckpoint(runCtx, state, res.LastCheckpointID, checkpointMeta(RunRunning, res.Steps, frontier))
			if err != nil {
				return e.finishFailed(ctx, state, res, "", err)
			}
			res.LastCheckpointID = cp.ID
			sinceCheckpoint = 0
			e.setStatus(res, "")
		}
	}

	cp, err := e.saveCheckpoint(ctx, state, res.LastCheckpointID, checkpointMeta(RunCompleted, res.Steps, nil))
	if err != nil {
		return e.finishFailed(ctx, state, res, "", err)
	}
	res.LastCheckpointID = cp.ID
	res.Status = RunCompleted
	e.setStatus(res, "")
	e.opts.Metrics.runFinished(RunCompleted)
	e.emit(emit.Event{ThreadID: threadID, Step: res.Steps, Msg: "run_completed",
		Meta: map[string]any{"checkpoint_id": cp.ID}})
	return res, nil
}

// nodeOutcome is one node execution's result, collected for serialized
// merging.
type nodeOutcome struct {
	node     string
	result   HandlerResult
	err      error
	attempts int
	elapsed  time.Duration
}

// executeBatch runs the nodes of one level. Independent nodes execute in
// parallel bounded by MaxConcurrent; iterative levels (feedback cycles) and
// single-node batches run inline.
func (e *Engine) executeBatch(ctx context.Context, g *CompiledGraph, state *StateContainer, batch []string, lim ExecutionLimits, iterative bool) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(batch))

	if iterative || len(batch) == 1 {
		for i, node := range batch {
			outcomes[i] = e.executeNode(ctx, g, state, node, lim)
		}
		return outcomes
	}

	var eg errgroup.Group
	limit := e.opts.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	eg.SetLimit(limit)
	for i, node := range batch {
		eg.Go(func() error {
			outcomes[i] = e.executeNode(ctx, g, state, node, lim)
			return nil
		})
	}
	_ = eg.Wait()
	return outcomes
}

// executeNode runs one handler with timeout enforcement, panic recovery,
// and the configured retry policy.
func (e *Engine) executeNode(ctx context.Context, g *CompiledGraph, state *StateContainer, node string, lim ExecutionLimits) nodeOutcome {
	outcome := nodeOutcome{node: node, attempts: 1}

	handler, ok := g.handler(node)
	if !ok {
		outcome.err = &NodeExecutionError{Node: node, Attempts: 1, Cause: fmt.Errorf("no compiled handler")}
		return outcome
	}
	spec := g.node(node)

	state.beginIteration(node)
	e.opts.Metrics.nodeStarted()
	e.emit(emit.Event{ThreadID: state.ThreadID(), Node: node, Msg: "node_start",
		Meta: map[string]any{"iteration": state.Iterations(node)}})

	maxAttempts := 1
	if e.opts.Retry != nil {
		maxAttempts = e.opts.Retry.MaxAttempts
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			e.opts.Metrics.retried(node)
			outcome.attempts = attempt + 1
			delay := computeBackoff(attempt-1, e.opts.Retry.BaseDelay, e.opts.Retry.MaxDelay, nil)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxAttempts
			case <-time.After(delay):
			}
			if lastErr != nil {
				break
			}
		}

		result, err := invokeHandler(ctx, handler, state, spec.Config, node, lim.NodeTimeout)
		if err == nil {
			outcome.result = result
			outcome.elapsed = time.Since(start)
			e.opts.Metrics.nodeFinished(node, true, outcome.elapsed)
			e.emit(emit.Event{ThreadID: state.ThreadID(), Node: node, Msg: "node_end",
				Meta: map[string]any{"duration_ms": outcome.elapsed.Milliseconds()}})
			return outcome
		}
		lastErr = err

		var te *TimeoutError
		if errors.As(err, &te) {
			// A timed-out node is failed, not retried: its side effects are
			// unknown.
			break
		}
		if e.opts.Retry == nil || e.opts.Retry.Retryable == nil || !e.opts.Retry.Retryable(err) {
			break
		}
	}

	outcome.elapsed = time.Since(start)
	e.opts.Metrics.nodeFinished(node, false, outcome.elapsed)
	if _, isTimeout := lastErr.(*TimeoutError); isTimeout {
		outcome.err = lastErr
	} else {
		outcome.err = &NodeExecutionError{Node: node, Attempts: outcome.attempts, Cause: lastErr}
	}
	return outcome
}

// invokeHandler calls the handler with panic recovery and an optional
// per-node timeout.
func invokeHandler(ctx context.Context, handler Handler, state StateView, config map[string]any, node string, timeout time.Duration) (result HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if timeout <= 0 {
		return handler.Execute(ctx, state, config)
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err = handler.Execute(nodeCtx, state, config)
	if nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return result, &TimeoutError{Node: node, Limit: timeout}
	}
	return result, err
}

// mergeOutcome applies one node's update, resolving any conflicts with the
// engine's configured strategy. Unresolved conflicts abort the merge.
func (e *Engine) mergeOutcome(state *StateContainer, resolver *ConflictResolver, res *ExecutionResult, outcome nodeOutcome) error {
	conflicts, err := state.Apply(outcome.result.Update, e.merges)
	if err != nil {
		return &NodeExecutionError{Node: outcome.node, Attempts: outcome.attempts, Cause: err}
	}

	strategy := e.opts.ConflictStrategy
	if strategy == "" {
		strategy = ResolveReject
	}
	for _, conflict := range conflicts {
		e.opts.Metrics.conflictDetected(conflict.Type)
		e.emit(emit.Event{ThreadID: state.ThreadID(), Node: outcome.node, Msg: "conflict_detected",
			Meta: map[string]any{"type": string(conflict.Type), "field": conflict.FieldPath}})

		resolution, rerr := resolver.Resolve(conflict, strategy)
		res.Resolutions = append(res.Resolutions, resolution)
		if rerr != nil {
			state.RecordFailure(FailureRecord{
				Node: outcome.node, Kind: "conflict",
				Error: fmt.Sprintf("unresolved %s conflict on %s", conflict.Type, conflict.FieldPath),
			})
			return rerr
		}
		state.forceSet(conflict.FieldPath, resolution.Value)
	}
	return nil
}

// routeFrom determines the next nodes after a successful node execution.
// An explicit handler hint overrides edge evaluation; otherwise every
// outgoing edge contributes its evaluated target, in declaration order.
func (e *Engine) routeFrom(g *CompiledGraph, state StateView, node, hint string) ([]string, error) {
	if hint != "" {
		if hint == End {
			return nil, nil
		}
		if !g.HasNode(hint) {
			return nil, &ConditionEvaluationError{Node: node, Predicate: "hint",
				Cause: fmt.Errorf("handler routed to unknown node %q", hint)}
		}
		return []string{hint}, nil
	}

	seen := make(map[string]bool)
	var targets []string
	for _, edge := range g.edges(node) {
		target, err := e.conditions.Evaluate(edge, state)
		if err != nil {
			return nil, err
		}
		if target == End || seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return targets, nil
}

// checkNodeBudget fails a node about to exceed its per-run iteration
// policy.
func (e *Engine) checkNodeBudget(g *CompiledGraph, state *StateContainer, node string) error {
	max := g.node(node).MaxIterations
	if max > 0 && state.Iterations(node) >= max {
		return &IterationLimitError{Node: node, Limit: max}
	}
	return nil
}

// pause checkpoints the last merged state and parks the run as Paused.
// Uses a detached context: pause is triggered by cancellation, and the
// checkpoint must still land.
func (e *Engine) pause(ctx context.Context, state *StateContainer, res *ExecutionResult, frontier []string) (*ExecutionResult, error) {
	cp, err := e.saveCheckpoint(context.WithoutCancel(ctx), state, res.LastCheckpointID, checkpointMeta(RunPaused, res.Steps, frontier))
	if err != nil {
		res.Status = RunFailed
		res.Err = err
		e.setStatus(res, "")
		e.opts.Metrics.runFinished(RunFailed)
		return res, err
	}
	res.LastCheckpointID = cp.ID
	res.Status = RunPaused
	e.setStatus(res, "")
	e.opts.Metrics.runFinished(RunPaused)
	e.emit(emit.Event{ThreadID: res.ThreadID, Step: res.Steps, Msg: "run_paused",
		Meta: map[string]any{"checkpoint_id": cp.ID, "pending": len(frontier)}})
	return res, nil
}

// finishFailed marks the run Failed, attempting one last checkpoint so the
// caller can resume from the last good state. The failure is already in the
// error log by the time this runs.
func (e *Engine) finishFailed(ctx context.Context, state *StateContainer, res *ExecutionResult, node string, runErr error) (*ExecutionResult, error) {
	if cp, err := e.saveCheckpoint(context.WithoutCancel(ctx), state, res.LastCheckpointID, checkpointMeta(RunFailed, res.Steps, nil)); err == nil {
		res.LastCheckpointID = cp.ID
	}
	res.Status = RunFailed
	res.FailedNode = node
	res.Err = runErr
	e.setStatus(res, node)
	e.opts.Metrics.runFinished(RunFailed)
	e.emit(emit.Event{ThreadID: res.ThreadID, Step: res.Steps, Node: node, Msg: "run_failed",
		Meta: map[string]any{"error": runErr.Error(), "checkpoint_id": res.LastCheckpointID}})
	return res, runErr
}

// saveCheckpoint persists the state with retry and backoff. Exhausted
// retries surface as CheckpointPersistenceError: durability takes priority
// over liveness, so a run never continues on unpersisted state.
func (e *Engine) saveCheckpoint(ctx context.Context, state *StateContainer, parent string, meta map[string]any) (store.Checkpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("marshal state: %w", err)
	}

	retries := e.opts.CheckpointRetries
	if retries <= 0 {
		retries = defaultCheckpointRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = retries
			case <-time.After(computeBackoff(attempt-1, defaultCheckpointBackoff, 2*time.Second, nil)):
			}
			if lastErr != nil {
				break
			}
		}
		cp, err := e.store.Save(ctx, state.ThreadID(), data, parent, meta)
		if err == nil {
			e.opts.Metrics.checkpointSaved()
			e.emit(emit.Event{ThreadID: state.ThreadID(), Msg: "checkpoint_saved",
				Meta: map[string]any{"checkpoint_id": cp.ID, "version": cp.Version}})
			return cp, nil
		}
		lastErr = err
		e.opts.Metrics.checkpointFailed()
	}

	return store.Checkpoint{}, &CheckpointPersistenceError{
		ThreadID: state.ThreadID(),
		Attempts: retries + 1,
		Cause:    lastErr,
	}
}

func (e *Engine) acquire(threadID string) error {
	if threadID == "" {
		return &EngineError{Message: "state has no thread id", Code: "MISSING_THREAD_ID"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[threadID] {
		return ErrThreadBusy
	}
	e.inflight[threadID] = true
	return nil
}

func (e *Engine) release(threadID string) {
	e.mu.Lock()
	delete(e.inflight, threadID)
	e.mu.Unlock()
}

func (e *Engine) setStatus(res *ExecutionResult, node string) {
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	status := res.Status
	if status == "" {
		status = RunPending
	}
	e.mu.Lock()
	e.status[res.ThreadID] = ThreadStatus{
		ThreadID:         res.ThreadID,
		State:            status,
		Step:             res.Steps,
		CurrentNode:      node,
		LastCheckpointID: res.LastCheckpointID,
		Error:            errText,
		UpdatedAt:        time.Now().UTC(),
	}
	e.mu.Unlock()
}

func (e *Engine) emit(event emit.Event) {
	e.opts.Emitter.Emit(event)
}

func (e *Engine) effectiveLimits(limits ExecutionLimits) ExecutionLimits {
	out := limits
	if out.MaxIterations == 0 {
		out.MaxIterations = e.opts.MaxIterations
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = defaultMaxIterations
	}
	if out.RunTimeout == 0 {
		out.RunTimeout = e.opts.RunTimeout
	}
	if out.NodeTimeout == 0 {
		out.NodeTimeout = e.opts.NodeTimeout
	}
	return out
}

// nextBatch takes the frontier nodes belonging to the lowest compiled level
// present, honoring the topological grouping: earlier levels always execute
// before later ones, and iterative levels are executed alone.
func nextBatch(g *CompiledGraph, frontier []string) (batch, rest []string, iterative bool) {
	minLevel := -1
	for _, node := range frontier {
		lvl := g.LevelOf(node)
		if minLevel == -1 || lvl < minLevel {
			minLevel = lvl
		}
	}
	for _, node := range frontier {
		if g.LevelOf(node) == minLevel {
			batch = append(batch, node)
		} else {
			rest = append(rest, node)
		}
	}
	sort.Strings(batch)
	if minLevel >= 0 && minLevel < len(g.Levels()) {
		iterative = g.Levels()[minLevel].Iterative
	}
	return batch, rest, iterative
}

// mergeFrontier combines unexecuted frontier nodes with newly routed
// targets into a sorted, deduplicated frontier.
func mergeFrontier(rest []string, next map[string]bool) []string {
	for _, node := range rest {
		next[node] = true
	}
	out := make([]string, 0, len(next))
	for node := range next {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

func checkpointMeta(status RunState, steps int, frontier []string) map[string]any {
	meta := map[string]any{
		"status": string(status),
		"steps":  steps,
	}
	if len(frontier) > 0 {
		meta["next_nodes"] = frontier
	}
	return meta
}

// checkpointFrontier recovers the pending-node list recorded in checkpoint
// metadata. JSON round-trips string slices as []any.
func checkpointFrontier(meta map[string]any) []string {
	raw, ok := meta["next_nodes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// failureKind classifies an error for the error log.
func failureKind(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	var ce *ConditionEvaluationError
	if errors.As(err, &ce) {
		return "condition"
	}
	var cpe *CheckpointPersistenceError
	if errors.As(err, &cpe) {
		return "checkpoint"
	}
	return "node_execution"
}
