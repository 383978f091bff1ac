package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/tripsaga/pkg/bus"
	"github.com/r3e-network/tripsaga/pkg/logger"
	"github.com/r3e-network/tripsaga/pkg/metrics"
	"github.com/r3e-network/tripsaga/pkg/workflowerr"
)

// SystemHandler executes an in-process "system" step (e.g. initialize,
// finalize) against the saga's current state.
type SystemHandler func(ctx context.Context, saga *Saga, step Step) (map[string]any, error)

const (
	retryBaseDelay = time.Second
	retryCapDelay  = 30 * time.Second
)

type waiterKey struct {
	sagaID string
	stepID string
}

type stepOutcome struct {
	ok      bool
	result  map[string]any
	reason  Condition
	message string
	// err is the typed workflowerr.Error backing message, when the
	// failure originated from the error taxonomy rather than a bare
	// handler error. Nil for success and for untyped failures.
	err error
}

type waiter struct {
	once sync.Once
	ch   chan stepOutcome
}

func (w *waiter) resolve(o stepOutcome) {
	w.once.Do(func() { w.ch <- o })
}

// runtimeState is the engine's private per-saga bookkeeping, kept
// separate from the public Saga snapshot.
type runtimeState struct {
	mu       sync.Mutex
	saga     *Saga
	template *Template
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (rt *runtimeState) stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
}

// StartOptions customizes saga admission. Reserved for future use;
// currently carries no fields (spec.md's `options` argument is
// unspecified beyond its presence).
type StartOptions struct{}

// Config controls engine construction.
type Config struct {
	Logger                 *logger.Logger
	Bus                    *bus.Bus
	MaxConcurrentWorkflows int
}

// Engine drives sagas through their templates to a terminal state.
type Engine struct {
	log *logger.Logger
	bus *bus.Bus

	maxConcurrent int

	templatesMu sync.RWMutex
	templates   map[string]*Template

	handlersMu sync.RWMutex
	handlers   map[string]SystemHandler

	mu           sync.RWMutex
	active       map[string]*runtimeState // sagaID -> state, including terminal until GC'd
	runningCount int

	waitersMu sync.Mutex
	waiters   map[waiterKey]*waiter

	subscribedMu sync.Mutex
	subscribed   map[string]bool
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("workflow")
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 100
	}
	return &Engine{
		log:           cfg.Logger,
		bus:           cfg.Bus,
		maxConcurrent: cfg.MaxConcurrentWorkflows,
		templates:     make(map[string]*Template),
		handlers:      make(map[string]SystemHandler),
		active:        make(map[string]*runtimeState),
		waiters:       make(map[waiterKey]*waiter),
		subscribed:    make(map[string]bool),
	}
}

// RegisterTemplate validates and registers a Template by name.
func (e *Engine) RegisterTemplate(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.templatesMu.Lock()
	e.templates[t.Name] = t
	e.templatesMu.Unlock()
	return nil
}

// RegisterSystemHandler binds a system step target name to a handler.
func (e *Engine) RegisterSystemHandler(name string, h SystemHandler) {
	e.handlersMu.Lock()
	e.handlers[name] = h
	e.handlersMu.Unlock()
}

func (e *Engine) template(name string) (*Template, bool) {
	e.templatesMu.RLock()
	defer e.templatesMu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

func (e *Engine) systemHandler(name string) (SystemHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Start admits a new saga under templateName and begins driving it in
// a background goroutine. Returns the generated workflow_id.
func (e *Engine) Start(ctx context.Context, templateName, sagaID string, data map[string]any, _ StartOptions) (string, error) {
	tmpl, ok := e.template(templateName)
	if !ok {
		return "", workflowerr.UnknownTemplate(templateName)
	}

	e.mu.Lock()
	if rt, exists := e.active[sagaID]; exists {
		rt.mu.Lock()
		terminal := rt.saga.Status.IsTerminal()
		rt.mu.Unlock()
		if !terminal {
			e.mu.Unlock()
			return "", workflowerr.SagaConflict(sagaID)
		}
	}
	if e.runningCount >= e.maxConcurrent {
		e.mu.Unlock()
		return "", workflowerr.CapacityExceeded(e.maxConcurrent)
	}
	e.runningCount++

	workflowID := uuid.NewString()
	saga := newSaga(sagaID, workflowID, templateName, data)
	rt := &runtimeState{saga: saga, template: tmpl, stopCh: make(chan struct{})}
	e.active[sagaID] = rt
	e.mu.Unlock()

	metrics.SagasStarted.WithLabelValues(templateName).Inc()

	e.publish(ctx, "workflow-started", sagaID, map[string]any{
		"workflow_id":   workflowID,
		"saga_id":       sagaID,
		"template_name": templateName,
		"start_time":    saga.StartTime,
	})

	go e.runSaga(context.Background(), rt)

	return workflowID, nil
}

// Cancel marks the saga cancelled and stops scheduling further steps.
// Idempotent: cancelling an already-terminal saga is a no-op.
func (e *Engine) Cancel(sagaID, reason string) error {
	e.mu.RLock()
	rt, ok := e.active[sagaID]
	e.mu.RUnlock()
	if !ok {
		return workflowerr.InvalidInput("saga_id", "unknown saga")
	}

	rt.mu.Lock()
	if rt.saga.Status.IsTerminal() {
		rt.mu.Unlock()
		return nil
	}
	rt.saga.Status = SagaStatusCancelled
	rt.saga.EndTime = time.Now()
	templateName := rt.saga.TemplateName
	rt.mu.Unlock()
	rt.stop()

	e.mu.Lock()
	e.runningCount--
	e.mu.Unlock()

	metrics.SagasCompleted.WithLabelValues(templateName, string(SagaStatusCancelled)).Inc()

	e.publish(context.Background(), "workflow-cancelled", sagaID, map[string]any{
		"workflow_id": rt.saga.WorkflowID,
		"saga_id":     sagaID,
		"reason":      reason,
	})
	return nil
}

// Status returns a deep-copy snapshot of the saga's current state.
func (e *Engine) Status(sagaID string) (*Saga, bool) {
	e.mu.RLock()
	rt, ok := e.active[sagaID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.saga.snapshot(), true
}

// ActiveSnapshots returns a snapshot of every saga the engine is
// tracking (running or terminal-but-not-yet-GC'd), for the SLA
// supervisor to evaluate.
func (e *Engine) ActiveSnapshots() []*Saga {
	e.mu.RLock()
	rts := make([]*runtimeState, 0, len(e.active))
	for _, rt := range e.active {
		rts = append(rts, rt)
	}
	e.mu.RUnlock()

	out := make([]*Saga, 0, len(rts))
	for _, rt := range rts {
		rt.mu.Lock()
		out = append(out, rt.saga.snapshot())
		rt.mu.Unlock()
	}
	return out
}

// TemplateSLA returns the SLA policy for a saga's template.
func (e *Engine) TemplateSLA(templateName string) (SLAPolicy, bool) {
	t, ok := e.template(templateName)
	if !ok {
		return SLAPolicy{}, false
	}
	return t.SLA, true
}

// UpdateSLAStatus transitions sagaID's sla_status and emits
// workflow-sla-status-changed.
func (e *Engine) UpdateSLAStatus(sagaID string, newStatus SLAStatus) {
	e.mu.RLock()
	rt, ok := e.active[sagaID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	old := rt.saga.SLAStatus
	if old == newStatus || rt.saga.Status.IsTerminal() {
		rt.mu.Unlock()
		return
	}
	rt.saga.SLAStatus = newStatus
	duration := time.Since(rt.saga.StartTime)
	rt.mu.Unlock()

	e.publish(context.Background(), "workflow-sla-status-changed", sagaID, map[string]any{
		"workflow_id": rt.saga.WorkflowID,
		"old":         string(old),
		"new":         string(newStatus),
		"duration":    duration,
	})
}

// ForceTimeout fails a running saga immediately because it exceeded
// its template's max_duration, bypassing any in-flight step's
// remaining timeout (spec.md §5 "a saga-level SLA exceeded transition
// forces failure regardless of the current step's remaining timeout").
func (e *Engine) ForceTimeout(sagaID string) {
	e.mu.RLock()
	rt, ok := e.active[sagaID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	if rt.saga.Status.IsTerminal() {
		rt.mu.Unlock()
		return
	}
	werr := workflowerr.SagaTimeout(sagaID)
	rt.saga.Status = SagaStatusFailed
	rt.saga.SLAStatus = SLAStatusExceeded
	rt.saga.EndTime = time.Now()
	rt.saga.Errors = append(rt.saga.Errors, FailureRecord{
		Step: rt.saga.CurrentStep, Message: werr.Error(), Err: werr, Timestamp: time.Now(),
	})
	duration := time.Since(rt.saga.StartTime)
	templateName := rt.saga.TemplateName
	rt.mu.Unlock()
	rt.stop()

	e.mu.Lock()
	e.runningCount--
	e.mu.Unlock()

	metrics.SagasCompleted.WithLabelValues(templateName, string(SagaStatusFailed)).Inc()

	e.publish(context.Background(), "workflow-timeout", sagaID, map[string]any{
		"workflow_id": rt.saga.WorkflowID,
		"saga_id":     sagaID,
	})
	e.publish(context.Background(), "workflow-failed", sagaID, map[string]any{
		"workflow_id": rt.saga.WorkflowID,
		"saga_id":     sagaID,
		"error":       werr.Error(),
		"duration":    duration,
	})
}

// GC removes terminal sagas whose EndTime is older than maxAge,
// releasing their bus lane.
func (e *Engine) GC(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var toRemove []string

	e.mu.Lock()
	for id, rt := range e.active {
		rt.mu.Lock()
		if rt.saga.Status.IsTerminal() && !rt.saga.EndTime.IsZero() && rt.saga.EndTime.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
		rt.mu.Unlock()
	}
	for _, id := range toRemove {
		delete(e.active, id)
	}
	e.mu.Unlock()

	for _, id := range toRemove {
		if e.bus != nil {
			e.bus.CloseSaga(id)
		}
	}
	return len(toRemove)
}

func (e *Engine) publish(ctx context.Context, topic, sagaID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, topic, &bus.Envelope{SagaID: sagaID, Payload: payload})
}

// runSaga is the per-saga driver goroutine: the execution loop
// described in spec.md §4.3, run until a terminal state.
func (e *Engine) runSaga(ctx context.Context, rt *runtimeState) {
	for {
		rt.mu.Lock()
		status := rt.saga.Status
		rt.mu.Unlock()
		if status.IsTerminal() {
			return
		}

		rt.mu.Lock()
		step, ok := selectNextStep(rt.saga, rt.template)
		if ok {
			rt.saga.CurrentStep = step.ID
		}
		rt.mu.Unlock()

		if !ok {
			e.completeSaga(rt)
			return
		}

		outcome := e.runStepWithRetries(ctx, rt, step)

		if outcome.ok {
			rt.mu.Lock()
			rt.saga.CompletedSteps = append(rt.saga.CompletedSteps, step.ID)
			for _, key := range step.Outputs {
				if v, present := outcome.result[key]; present {
					rt.saga.StepResults[key] = v
				}
			}
			rt.saga.RetryCount[step.ID] = 0
			rt.mu.Unlock()

			e.publish(ctx, "workflow-step-completed", rt.saga.SagaID, map[string]any{
				"workflow_id": rt.saga.WorkflowID,
				"saga_id":     rt.saga.SagaID,
				"step_id":     step.ID,
				"result":      outcome.result,
			})
			continue
		}

		rt.mu.Lock()
		rt.saga.FailedSteps[step.ID] = true
		rt.mu.Unlock()

		e.publish(ctx, "workflow-step-failed", rt.saga.SagaID, map[string]any{
			"workflow_id": rt.saga.WorkflowID,
			"saga_id":     rt.saga.SagaID,
			"step_id":     step.ID,
			"error":       outcome.message,
		})

		if e.handleError(ctx, rt, step, outcome) {
			return
		}
	}
}

// selectNextStep picks, in template declaration order, the first step
// whose dependencies are all completed and which is neither completed
// nor permanently failed.
func selectNextStep(saga *Saga, tmpl *Template) (Step, bool) {
	for _, s := range tmpl.Steps {
		if saga.isCompleted(s.ID) || saga.FailedSteps[s.ID] {
			continue
		}
		if saga.dependenciesSatisfied(s.DependsOn) {
			return s, true
		}
	}
	return Step{}, false
}

func (e *Engine) completeSaga(rt *runtimeState) {
	rt.mu.Lock()
	rt.saga.Status = SagaStatusCompleted
	rt.saga.EndTime = time.Now()
	duration := rt.saga.EndTime.Sub(rt.saga.StartTime)
	completed := append([]string(nil), rt.saga.CompletedSteps...)
	templateName := rt.saga.TemplateName
	rt.mu.Unlock()

	e.mu.Lock()
	e.runningCount--
	e.mu.Unlock()

	metrics.SagasCompleted.WithLabelValues(templateName, string(SagaStatusCompleted)).Inc()

	e.publish(context.Background(), "workflow-completed", rt.saga.SagaID, map[string]any{
		"workflow_id":     rt.saga.WorkflowID,
		"saga_id":         rt.saga.SagaID,
		"duration":        duration,
		"completed_steps": completed,
	})
}

func (e *Engine) failSaga(rt *runtimeState, firstError string) {
	rt.mu.Lock()
	rt.saga.Status = SagaStatusFailed
	rt.saga.EndTime = time.Now()
	duration := rt.saga.EndTime.Sub(rt.saga.StartTime)
	completed := append([]string(nil), rt.saga.CompletedSteps...)
	templateName := rt.saga.TemplateName
	rt.mu.Unlock()

	e.mu.Lock()
	e.runningCount--
	e.mu.Unlock()

	metrics.SagasCompleted.WithLabelValues(templateName, string(SagaStatusFailed)).Inc()

	e.publish(context.Background(), "workflow-failed", rt.saga.SagaID, map[string]any{
		"workflow_id":     rt.saga.WorkflowID,
		"saga_id":         rt.saga.SagaID,
		"error":           firstError,
		"duration":        duration,
		"completed_steps": completed,
	})
}

// handleError applies the template's error-handling strategy to a
// permanently-failed step. Returns true if the saga driver loop should
// stop (a terminal state was reached for this saga).
func (e *Engine) handleError(ctx context.Context, rt *runtimeState, step Step, outcome stepOutcome) bool {
	rt.mu.Lock()
	if rt.saga.Status.IsTerminal() {
		// Cancelled or force-timed-out while the step was in flight.
		rt.mu.Unlock()
		return true
	}
	strategy := rt.template.ErrorHandling.Strategy
	rt.mu.Unlock()

	switch strategy {
	case StrategyFailFast:
		e.failSaga(rt, outcome.message)
		return true

	case StrategyCompensate:
		e.runMatchingCompensations(ctx, rt, step, outcome.reason)
		e.failSaga(rt, outcome.message)
		return true

	case StrategyRetryAndFallback:
		if action, ok := e.findCompensation(rt.template, step.ID, outcome.reason); ok {
			result, err := e.executeCompensation(ctx, rt, step, action)
			if err == nil {
				rt.mu.Lock()
				rt.saga.CompletedSteps = append(rt.saga.CompletedSteps, step.ID)
				delete(rt.saga.FailedSteps, step.ID)
				for k, v := range result {
					rt.saga.StepResults[k] = v
				}
				rt.mu.Unlock()
				return false
			}
			rt.mu.Lock()
			rt.saga.Errors = append(rt.saga.Errors, FailureRecord{
				Step: step.ID, Message: err.Error(), Err: err, Timestamp: time.Now(),
			})
			rt.mu.Unlock()
		}

		rt.mu.Lock()
		fallback := rt.template.ErrorHandling.FallbackTemplate
		sagaID, data := rt.saga.SagaID, rt.saga.Data
		rt.mu.Unlock()

		if fallback != "" {
			rt.mu.Lock()
			rt.saga.Status = SagaStatusCancelled
			rt.saga.EndTime = time.Now()
			rt.mu.Unlock()
			e.mu.Lock()
			e.runningCount--
			e.mu.Unlock()
			e.publish(ctx, "workflow-cancelled", sagaID, map[string]any{
				"saga_id": sagaID,
				"reason":  "fallback to " + fallback,
			})

			if _, err := e.Start(ctx, fallback, sagaID, data, StartOptions{}); err != nil {
				e.log.WithError(err).Warn("fallback template start failed")
			}
			return true
		}

		e.failSaga(rt, outcome.message)
		return true
	}

	e.failSaga(rt, outcome.message)
	return true
}

func (e *Engine) findCompensation(tmpl *Template, stepID string, reason Condition) (CompensationAction, bool) {
	for _, a := range tmpl.ErrorHandling.CompensationActions {
		if a.Matches(stepID, reason) {
			return a, true
		}
	}
	return CompensationAction{}, false
}

func (e *Engine) runMatchingCompensations(ctx context.Context, rt *runtimeState, step Step, reason Condition) {
	rt.mu.Lock()
	actions := append([]CompensationAction(nil), rt.template.ErrorHandling.CompensationActions...)
	rt.mu.Unlock()

	for _, a := range actions {
		if !a.Matches(step.ID, reason) {
			continue
		}
		if _, err := e.executeCompensation(ctx, rt, step, a); err != nil {
			rt.mu.Lock()
			rt.saga.Errors = append(rt.saga.Errors, FailureRecord{
				Step: step.ID, Message: err.Error(), Err: err, Timestamp: time.Now(),
			})
			rt.mu.Unlock()
		}
	}
}

// executeCompensation looks up a system handler registered under the
// compensation's action name and invokes it.
func (e *Engine) executeCompensation(ctx context.Context, rt *runtimeState, step Step, action CompensationAction) (map[string]any, error) {
	h, ok := e.systemHandler(action.Action)
	if !ok {
		return nil, workflowerr.CompensationFailure(step.ID, action.Action, fmt.Errorf("no handler registered for compensation action %q", action.Action))
	}
	rt.mu.Lock()
	saga := rt.saga
	rt.mu.Unlock()
	result, err := h(ctx, saga, step)
	if err != nil {
		return nil, workflowerr.CompensationFailure(step.ID, action.Action, err)
	}
	return result, nil
}

// runStepWithRetries dispatches step, retrying with exponential
// backoff on failure until step.Retries is exhausted.
func (e *Engine) runStepWithRetries(ctx context.Context, rt *runtimeState, step Step) stepOutcome {
	attempt := 0
	for {
		dispatchStart := time.Now()
		outcome := e.dispatch(ctx, rt, step)
		if outcome.ok {
			metrics.StepDuration.WithLabelValues(step.ID, "success").Observe(time.Since(dispatchStart).Seconds())
			return outcome
		}
		metrics.StepDuration.WithLabelValues(step.ID, "failure").Observe(time.Since(dispatchStart).Seconds())

		rt.mu.Lock()
		rt.saga.Errors = append(rt.saga.Errors, FailureRecord{
			Step: step.ID, Message: outcome.message, Err: outcome.err, RetryCount: attempt, Timestamp: time.Now(),
		})
		rt.mu.Unlock()

		if attempt >= step.Retries {
			var cause error = outcome.err
			if cause == nil {
				cause = errors.New(outcome.message)
			}
			werr := workflowerr.RetryExhausted(step.ID, attempt, cause)
			return stepOutcome{ok: false, reason: outcome.reason, message: werr.Error(), err: werr}
		}
		attempt++
		rt.mu.Lock()
		rt.saga.RetryCount[step.ID] = attempt
		rt.mu.Unlock()

		backoff := retryBaseDelay * time.Duration(1<<uint(attempt))
		if backoff > retryCapDelay {
			backoff = retryCapDelay
		}

		select {
		case <-time.After(backoff):
		case <-rt.stopCh:
			return stepOutcome{ok: false, reason: ConditionAny, message: "cancelled during backoff"}
		}
	}
}

// dispatch executes one attempt of step and blocks until it completes,
// times out, or the saga is cancelled — whichever happens first.
func (e *Engine) dispatch(ctx context.Context, rt *runtimeState, step Step) stepOutcome {
	switch step.Kind {
	case StepKindSystem:
		rt.mu.Lock()
		saga := rt.saga
		rt.mu.Unlock()
		h, ok := e.systemHandler(step.Target)
		if !ok {
			werr := workflowerr.DependencyViolation(step.Target, "no system handler registered for step target")
			return stepOutcome{ok: false, reason: ConditionAny, message: werr.Error(), err: werr}
		}
		result, err := h(ctx, saga, step)
		if err != nil {
			return stepOutcome{ok: false, reason: ConditionAny, message: err.Error(), err: err}
		}
		return stepOutcome{ok: true, result: result}

	case StepKindStage, StepKindExternal:
		return e.dispatchOverBus(ctx, rt, step)
	}
	werr := workflowerr.DependencyViolation(step.Target, "unknown step kind")
	return stepOutcome{ok: false, reason: ConditionAny, message: werr.Error(), err: werr}
}

func (e *Engine) dispatchOverBus(ctx context.Context, rt *runtimeState, step Step) stepOutcome {
	rt.mu.Lock()
	saga := rt.saga
	rt.mu.Unlock()

	e.ensureSubscribed(step.Target)

	w := &waiter{ch: make(chan stepOutcome, 1)}
	key := waiterKey{sagaID: saga.SagaID, stepID: step.ID}
	e.waitersMu.Lock()
	e.waiters[key] = w
	e.waitersMu.Unlock()
	defer func() {
		e.waitersMu.Lock()
		delete(e.waiters, key)
		e.waitersMu.Unlock()
	}()

	inputs := make(map[string]any, len(step.Inputs))
	rt.mu.Lock()
	for _, key := range step.Inputs {
		if v, ok := rt.saga.StepResults[key]; ok {
			inputs[key] = v
		}
	}
	rt.mu.Unlock()

	e.bus.Publish(ctx, step.Target+".request", &bus.Envelope{
		SagaID: saga.SagaID,
		Payload: map[string]any{
			"workflow_id": saga.WorkflowID,
			"step_id":     step.ID,
			"inputs":      inputs,
			"step_config": step.Config,
		},
	})

	timer := time.NewTimer(step.Timeout)
	defer timer.Stop()

	select {
	case o := <-w.ch:
		return o
	case <-timer.C:
		werr := workflowerr.StepTimeout(step.ID)
		o := stepOutcome{ok: false, reason: ConditionTimeout, message: werr.Error(), err: werr}
		w.resolve(o)
		return o
	case <-rt.stopCh:
		o := stepOutcome{ok: false, reason: ConditionAny, message: "saga stopped"}
		w.resolve(o)
		return o
	}
}

func (e *Engine) ensureSubscribed(target string) {
	e.subscribedMu.Lock()
	defer e.subscribedMu.Unlock()
	if e.subscribed[target] {
		return
	}
	e.subscribed[target] = true
	e.bus.Subscribe(target+".completed", e.onStageCompleted)
	e.bus.Subscribe(target+".failed", e.onStageFailed)
}

func (e *Engine) onStageCompleted(ctx context.Context, env *bus.Envelope) error {
	stepID, _ := env.Payload["step_id"].(string)
	key := waiterKey{sagaID: env.SagaID, stepID: stepID}

	e.waitersMu.Lock()
	w, ok := e.waiters[key]
	e.waitersMu.Unlock()
	if !ok {
		return nil
	}
	w.resolve(stepOutcome{ok: true, result: env.Payload})
	return nil
}

func (e *Engine) onStageFailed(ctx context.Context, env *bus.Envelope) error {
	stepID, _ := env.Payload["step_id"].(string)
	key := waiterKey{sagaID: env.SagaID, stepID: stepID}

	e.waitersMu.Lock()
	w, ok := e.waiters[key]
	e.waitersMu.Unlock()
	if !ok {
		return nil
	}
	msg := "stage reported failure"
	if reported, ok := env.Payload["error"].(string); ok {
		msg = reported
	}
	werr := workflowerr.StagePropagated(stepID, msg)
	w.resolve(stepOutcome{ok: false, reason: ConditionServiceUnavailable, message: werr.Error(), err: werr})
	return nil
}
