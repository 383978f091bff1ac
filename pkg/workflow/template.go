// Package workflow implements the saga orchestration runtime: templated
// multi-step sagas with dependency resolution, retries, timeouts, SLA
// tracking and compensation, driven over pkg/bus and pkg/blackboard.
package workflow

import (
	"time"

	"github.com/r3e-network/tripsaga/pkg/workflowerr"
)

// StepKind tags how a step is dispatched.
type StepKind string

const (
	StepKindSystem   StepKind = "system"
	StepKindStage    StepKind = "stage"
	StepKindExternal StepKind = "external"
)

// Strategy is a template's error-handling strategy.
type Strategy string

const (
	StrategyFailFast          Strategy = "fail-fast"
	StrategyRetryAndFallback  Strategy = "retry-and-fallback"
	StrategyCompensate        Strategy = "compensate"
)

// Condition is a compensation action's trigger condition, matched
// against a step failure's reason.
type Condition string

const (
	ConditionTimeout            Condition = "timeout"
	ConditionServiceUnavailable Condition = "service-unavailable"
	ConditionPaymentFailed      Condition = "payment-failed"
	ConditionBookingFailed      Condition = "booking-failed"
	ConditionAny                Condition = "any"
)

// Step is a single DAG node in a Template.
type Step struct {
	ID        string
	Kind      StepKind
	Target    string // system handler name, or stage/external topic prefix
	Timeout   time.Duration
	Retries   int
	DependsOn []string
	Inputs    []string // output keys resolved from step_results
	Outputs   []string // output keys this step declares
	Config    map[string]any
}

// CompensationAction is a named corrective action bound to a step and
// failure condition.
type CompensationAction struct {
	Step      string
	Action    string
	Condition Condition
}

// Matches reports whether this action applies to a failure on stepID
// with the given reason.
func (c CompensationAction) Matches(stepID string, reason Condition) bool {
	if c.Step != stepID {
		return false
	}
	return c.Condition == ConditionAny || c.Condition == reason
}

// ErrorHandling is a template's failure-recovery policy.
type ErrorHandling struct {
	Strategy           Strategy
	FallbackTemplate   string
	CompensationActions []CompensationAction
}

// SLAPolicy is a template's elapsed-time thresholds.
type SLAPolicy struct {
	MaxDuration       time.Duration
	WarningThreshold  time.Duration
	CriticalThreshold time.Duration
}

// Template is an immutable declarative workflow definition.
type Template struct {
	Name          string
	Steps         []Step
	ErrorHandling ErrorHandling
	SLA           SLAPolicy
}

// StepByID returns the step with the given id, or false if absent.
func (t *Template) StepByID(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the DAG invariants spec.md §3 requires: the
// dependency graph is acyclic, every dependency names a step in the
// same template, and every input key is produced by some earlier
// step's outputs.
func (t *Template) Validate() error {
	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if ids[s.ID] {
			return workflowerr.DependencyViolation(t.Name, "duplicate step id "+s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return workflowerr.DependencyViolation(t.Name, "step "+s.ID+" depends on unknown step "+dep)
			}
		}
	}

	if err := t.checkAcyclic(ids); err != nil {
		return err
	}

	produced := make(map[string]bool)
	for _, s := range t.Steps {
		for _, in := range s.Inputs {
			if !produced[in] {
				return workflowerr.DependencyViolation(t.Name, "step "+s.ID+" requires input "+in+" not yet produced")
			}
		}
		for _, out := range s.Outputs {
			produced[out] = true
		}
	}

	return nil
}

func (t *Template) checkAcyclic(ids map[string]bool) error {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(ids))
	byID := make(map[string]Step, len(t.Steps))
	for _, s := range t.Steps {
		byID[s.ID] = s
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return workflowerr.DependencyViolation(t.Name, "cycle detected at step "+id)
		case visited:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}

	for _, s := range t.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
