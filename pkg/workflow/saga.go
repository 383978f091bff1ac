package workflow

import "time"

// SagaStatus is the lifecycle state of a running workflow instance.
type SagaStatus string

const (
	SagaStatusRunning   SagaStatus = "running"
	SagaStatusCompleted SagaStatus = "completed"
	SagaStatusFailed    SagaStatus = "failed"
	SagaStatusCancelled SagaStatus = "cancelled"
)

// IsTerminal reports whether status is one a saga never transitions
// out of.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusFailed, SagaStatusCancelled:
		return true
	}
	return false
}

// SLAStatus is the coarse classification of a running saga's elapsed
// time against its template's thresholds.
type SLAStatus string

const (
	SLAStatusOK       SLAStatus = "ok"
	SLAStatusWarning  SLAStatus = "warning"
	SLAStatusCritical SLAStatus = "critical"
	SLAStatusExceeded SLAStatus = "exceeded"
)

// FailureRecord is one entry in a saga's append-only error log. Err
// carries the typed workflowerr.Error when the failure originated from
// the taxonomy (workflowerr.Is/As can inspect it); Message is always
// populated for display even when Err is nil.
type FailureRecord struct {
	Step       string
	Message    string
	Err        error `json:"error,omitempty"`
	RetryCount int
	Timestamp  time.Time
}

// Saga is a single running (or terminated) execution of a Template.
type Saga struct {
	SagaID         string
	WorkflowID     string
	TemplateName   string
	Status         SagaStatus
	StartTime      time.Time
	EndTime        time.Time
	CurrentStep    string
	CompletedSteps []string
	FailedSteps    map[string]bool
	RetryCount     map[string]int
	StepResults    map[string]any
	Errors         []FailureRecord
	SLAStatus      SLAStatus
	Data           map[string]any
}

// newSaga constructs a fresh running saga for a template's execution.
func newSaga(sagaID, workflowID, templateName string, data map[string]any) *Saga {
	return &Saga{
		SagaID:       sagaID,
		WorkflowID:   workflowID,
		TemplateName: templateName,
		Status:       SagaStatusRunning,
		StartTime:    time.Now(),
		FailedSteps:  make(map[string]bool),
		RetryCount:   make(map[string]int),
		StepResults:  make(map[string]any),
		SLAStatus:    SLAStatusOK,
		Data:         data,
	}
}

// snapshot returns a deep copy safe to hand to callers: mutating it
// never affects engine state. Mirrors the teacher's
// PersistentState.Snapshot() pattern.
func (s *Saga) snapshot() *Saga {
	cp := *s
	cp.CompletedSteps = append([]string(nil), s.CompletedSteps...)

	cp.FailedSteps = make(map[string]bool, len(s.FailedSteps))
	for k, v := range s.FailedSteps {
		cp.FailedSteps[k] = v
	}

	cp.RetryCount = make(map[string]int, len(s.RetryCount))
	for k, v := range s.RetryCount {
		cp.RetryCount[k] = v
	}

	cp.StepResults = make(map[string]any, len(s.StepResults))
	for k, v := range s.StepResults {
		cp.StepResults[k] = v
	}

	cp.Errors = append([]FailureRecord(nil), s.Errors...)

	if s.Data != nil {
		data := make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			data[k] = v
		}
		cp.Data = data
	}

	return &cp
}

// isCompleted reports whether stepID has already completed.
func (s *Saga) isCompleted(stepID string) bool {
	for _, id := range s.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// dependenciesSatisfied reports whether every id in deps is in
// CompletedSteps.
func (s *Saga) dependenciesSatisfied(deps []string) bool {
	for _, d := range deps {
		if !s.isCompleted(d) {
			return false
		}
	}
	return true
}
