package sla

import (
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/tripsaga/pkg/workflow"
)

// fakeEngine is an in-memory stand-in for *workflow.Engine, letting the
// supervisor's sweep logic be exercised without a real saga runtime.
type fakeEngine struct {
	mu          sync.Mutex
	sagas       []*workflow.Saga
	policies    map[string]workflow.SLAPolicy
	statusCalls map[string]workflow.SLAStatus
	timedOut    map[string]bool
	gcReturn    int
	gcCalled    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		policies:    make(map[string]workflow.SLAPolicy),
		statusCalls: make(map[string]workflow.SLAStatus),
		timedOut:    make(map[string]bool),
	}
}

func (f *fakeEngine) ActiveSnapshots() []*workflow.Saga {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*workflow.Saga, len(f.sagas))
	copy(out, f.sagas)
	return out
}

func (f *fakeEngine) TemplateSLA(name string) (workflow.SLAPolicy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[name]
	return p, ok
}

func (f *fakeEngine) UpdateSLAStatus(sagaID string, status workflow.SLAStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[sagaID] = status
}

func (f *fakeEngine) ForceTimeout(sagaID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut[sagaID] = true
}

func (f *fakeEngine) GC(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcCalled = true
	return f.gcReturn
}

func TestClassifyThresholds(t *testing.T) {
	policy := workflow.SLAPolicy{
		MaxDuration:       2 * time.Minute,
		WarningThreshold:  30 * time.Second,
		CriticalThreshold: 90 * time.Second,
	}
	cases := []struct {
		elapsed time.Duration
		want    workflow.SLAStatus
	}{
		{10 * time.Second, workflow.SLAStatusOK},
		{31 * time.Second, workflow.SLAStatusWarning},
		{91 * time.Second, workflow.SLAStatusCritical},
		{2 * time.Minute, workflow.SLAStatusExceeded},
	}
	for _, c := range cases {
		if got := classify(c.elapsed, policy); got != c.want {
			t.Errorf("classify(%v) = %v, want %v", c.elapsed, got, c.want)
		}
	}
}

func TestSweepSLAForcesTimeoutOnExceeded(t *testing.T) {
	eng := newFakeEngine()
	eng.policies["t"] = workflow.SLAPolicy{MaxDuration: 10 * time.Millisecond}
	eng.sagas = []*workflow.Saga{
		{SagaID: "saga-1", TemplateName: "t", Status: workflow.SagaStatusRunning, StartTime: time.Now().Add(-time.Second)},
	}

	s := New(Config{Engine: eng})
	s.sweepSLA()

	if !eng.timedOut["saga-1"] {
		t.Error("expected ForceTimeout to be called for saga-1")
	}
}

func TestSweepSLASkipsTerminalSagas(t *testing.T) {
	eng := newFakeEngine()
	eng.policies["t"] = workflow.SLAPolicy{MaxDuration: 10 * time.Millisecond}
	eng.sagas = []*workflow.Saga{
		{SagaID: "saga-1", TemplateName: "t", Status: workflow.SagaStatusCompleted, StartTime: time.Now().Add(-time.Second)},
	}

	s := New(Config{Engine: eng})
	s.sweepSLA()

	if eng.timedOut["saga-1"] {
		t.Error("ForceTimeout must not be called for a terminal saga")
	}
}

func TestSweepSLAUpdatesStatusOnThresholdCross(t *testing.T) {
	eng := newFakeEngine()
	eng.policies["t"] = workflow.SLAPolicy{MaxDuration: time.Hour, WarningThreshold: 10 * time.Millisecond}
	eng.sagas = []*workflow.Saga{
		{SagaID: "saga-1", TemplateName: "t", Status: workflow.SagaStatusRunning, SLAStatus: workflow.SLAStatusOK, StartTime: time.Now().Add(-time.Second)},
	}

	s := New(Config{Engine: eng})
	s.sweepSLA()

	if eng.statusCalls["saga-1"] != workflow.SLAStatusWarning {
		t.Errorf("UpdateSLAStatus called with %v, want warning", eng.statusCalls["saga-1"])
	}
}

func TestSweepCleanupCallsGC(t *testing.T) {
	eng := newFakeEngine()
	eng.gcReturn = 3
	s := New(Config{Engine: eng, MaxWorkflowAge: time.Hour})
	s.sweepCleanup()

	if !eng.gcCalled {
		t.Error("expected GC to be called")
	}
}

func TestStartStopStopsSweeping(t *testing.T) {
	eng := newFakeEngine()
	s := New(Config{Engine: eng, SLAInterval: 5 * time.Millisecond, CleanupInterval: time.Hour})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	// Stop must return (the run goroutine must exit); a hang here fails the test via timeout.
}
