// Package sla implements the periodic sweeper that evaluates every
// running saga's elapsed time against its template's thresholds and
// garbage-collects terminal sagas past their grace period. It mirrors
// the teacher's automation.Service.runScheduler ticker-driven shape.
package sla

import (
	"time"

	"github.com/r3e-network/tripsaga/pkg/logger"
	"github.com/r3e-network/tripsaga/pkg/metrics"
	"github.com/r3e-network/tripsaga/pkg/workflow"
)

// Engine is the subset of *workflow.Engine the supervisor depends on.
type Engine interface {
	ActiveSnapshots() []*workflow.Saga
	TemplateSLA(templateName string) (workflow.SLAPolicy, bool)
	UpdateSLAStatus(sagaID string, status workflow.SLAStatus)
	ForceTimeout(sagaID string)
	GC(maxAge time.Duration) int
}

// Config controls supervisor construction.
type Config struct {
	Logger          *logger.Logger
	Engine          Engine
	SLAInterval     time.Duration // default 30s, per spec.md §4.3
	CleanupInterval time.Duration // default 1m
	MaxWorkflowAge  time.Duration // default 24h
}

// Supervisor runs the SLA sweep and terminal-saga cleanup tickers.
type Supervisor struct {
	log    *logger.Logger
	engine Engine

	slaInterval     time.Duration
	cleanupInterval time.Duration
	maxWorkflowAge  time.Duration

	stop chan struct{}
	done chan struct{}
}

// New constructs a Supervisor. Call Start to begin sweeping.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("sla")
	}
	if cfg.SLAInterval <= 0 {
		cfg.SLAInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxWorkflowAge <= 0 {
		cfg.MaxWorkflowAge = 24 * time.Hour
	}
	return &Supervisor{
		log:             cfg.Logger,
		engine:          cfg.Engine,
		slaInterval:     cfg.SLAInterval,
		cleanupInterval: cfg.CleanupInterval,
		maxWorkflowAge:  cfg.MaxWorkflowAge,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the sweep goroutine. Call Stop to halt it.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop halts the sweep goroutine and blocks until it exits.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Supervisor) run() {
	defer close(s.done)

	slaTicker := time.NewTicker(s.slaInterval)
	defer slaTicker.Stop()
	cleanupTicker := time.NewTicker(s.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-slaTicker.C:
			s.sweepSLA()
		case <-cleanupTicker.C:
			s.sweepCleanup()
		case <-s.stop:
			return
		}
	}
}

// sweepSLA walks every tracked saga, computes its sla_status against
// its template's thresholds, and forces a terminal failure for any
// saga that has crossed max_duration.
func (s *Supervisor) sweepSLA() {
	for _, saga := range s.engine.ActiveSnapshots() {
		if saga.Status.IsTerminal() {
			continue
		}
		policy, ok := s.engine.TemplateSLA(saga.TemplateName)
		if !ok {
			continue
		}

		elapsed := time.Since(saga.StartTime)
		status := classify(elapsed, policy)

		if status == workflow.SLAStatusExceeded {
			metrics.SLATransitions.WithLabelValues(string(status)).Inc()
			s.engine.ForceTimeout(saga.SagaID)
			continue
		}
		if status != saga.SLAStatus {
			metrics.SLATransitions.WithLabelValues(string(status)).Inc()
			s.engine.UpdateSLAStatus(saga.SagaID, status)
		}
	}
}

func classify(elapsed time.Duration, policy workflow.SLAPolicy) workflow.SLAStatus {
	switch {
	case policy.MaxDuration > 0 && elapsed >= policy.MaxDuration:
		return workflow.SLAStatusExceeded
	case policy.CriticalThreshold > 0 && elapsed >= policy.CriticalThreshold:
		return workflow.SLAStatusCritical
	case policy.WarningThreshold > 0 && elapsed >= policy.WarningThreshold:
		return workflow.SLAStatusWarning
	default:
		return workflow.SLAStatusOK
	}
}

func (s *Supervisor) sweepCleanup() {
	removed := s.engine.GC(s.maxWorkflowAge)
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("garbage-collected terminal sagas")
	}
}
