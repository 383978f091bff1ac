// Package templates provides the concrete travel-planning templates
// and compensation catalogue fixed by SPEC_FULL.md §6.
package templates

import (
	"time"

	"github.com/r3e-network/tripsaga/pkg/workflow"
)

// Travel is the default 8-step happy-path template exercised by
// spec.md §8 scenario 1.
func Travel() *workflow.Template {
	return &workflow.Template{
		Name: "travel",
		Steps: []workflow.Step{
			{
				ID:      "initialize",
				Kind:    workflow.StepKindSystem,
				Target:  "initialize",
				Timeout: 5 * time.Second,
				Retries: 0,
				Outputs: []string{"user_input", "prefs", "intent", "constraints"},
			},
			{
				ID:        "generate-candidates",
				Kind:      workflow.StepKindStage,
				Target:    "candidate",
				Timeout:   10 * time.Second,
				Retries:   2,
				DependsOn: []string{"initialize"},
				Inputs:    []string{"constraints"},
				Outputs:   []string{"candidates-generated"},
			},
			{
				ID:        "validate-candidates",
				Kind:      workflow.StepKindStage,
				Target:    "validation",
				Timeout:   10 * time.Second,
				Retries:   1,
				DependsOn: []string{"generate-candidates"},
				Inputs:    []string{"candidates-generated"},
				Outputs:   []string{"candidates-validated"},
			},
			{
				ID:        "rank-candidates",
				Kind:      workflow.StepKindStage,
				Target:    "ranking",
				Timeout:   10 * time.Second,
				Retries:   1,
				DependsOn: []string{"validate-candidates"},
				Inputs:    []string{"candidates-validated"},
				Outputs:   []string{"candidates-ranked"},
			},
			{
				ID:        "select-itinerary",
				Kind:      workflow.StepKindStage,
				Target:    "selection",
				Timeout:   10 * time.Second,
				Retries:   1,
				DependsOn: []string{"rank-candidates"},
				Inputs:    []string{"candidates-ranked"},
				Outputs:   []string{"candidates-selected"},
			},
			{
				ID:        "enrich-candidates",
				Kind:      workflow.StepKindStage,
				Target:    "enrichment",
				Timeout:   5 * time.Second,
				Retries:   2,
				DependsOn: []string{"select-itinerary"},
				Inputs:    []string{"candidates-selected"},
				Outputs:   []string{"candidates-enriched"},
			},
			{
				ID:        "generate-output",
				Kind:      workflow.StepKindStage,
				Target:    "output",
				Timeout:   10 * time.Second,
				Retries:   1,
				DependsOn: []string{"enrich-candidates"},
				Inputs:    []string{"candidates-enriched"},
				Outputs:   []string{"output-generated"},
			},
			{
				ID:        "finalize",
				Kind:      workflow.StepKindSystem,
				Target:    "finalize",
				Timeout:   5 * time.Second,
				Retries:   0,
				DependsOn: []string{"generate-output"},
				Inputs:    []string{"output-generated"},
				Outputs:   []string{"itinerary"},
			},
		},
		ErrorHandling: workflow.ErrorHandling{
			Strategy:         workflow.StrategyRetryAndFallback,
			FallbackTemplate: "travel-fallback",
			CompensationActions: []workflow.CompensationAction{
				{
					Step:      "enrich-candidates",
					Action:    "skip-enrichment",
					Condition: workflow.ConditionTimeout,
				},
			},
		},
		SLA: workflow.SLAPolicy{
			MaxDuration:       2 * time.Minute,
			WarningThreshold:  30 * time.Second,
			CriticalThreshold: 90 * time.Second,
		},
	}
}

// TravelFallback is the degraded 4-step template scenario 3 switches
// to when generate-candidates fails with no matching compensation.
func TravelFallback() *workflow.Template {
	return &workflow.Template{
		Name: "travel-fallback",
		Steps: []workflow.Step{
			{
				ID:      "initialize",
				Kind:    workflow.StepKindSystem,
				Target:  "initialize",
				Timeout: 5 * time.Second,
				Outputs: []string{"user_input", "prefs", "intent", "constraints"},
			},
			{
				ID:        "generate-candidates",
				Kind:      workflow.StepKindStage,
				Target:    "candidate",
				Timeout:   10 * time.Second,
				Retries:   0,
				DependsOn: []string{"initialize"},
				Inputs:    []string{"constraints"},
				Outputs:   []string{"candidates-generated"},
				Config:    map[string]any{"relaxed_minimums": true},
			},
			{
				ID:        "generate-output",
				Kind:      workflow.StepKindStage,
				Target:    "output",
				Timeout:   10 * time.Second,
				Retries:   1,
				DependsOn: []string{"generate-candidates"},
				Inputs:    []string{"candidates-generated"},
				Outputs:   []string{"output-generated"},
			},
			{
				ID:        "finalize",
				Kind:      workflow.StepKindSystem,
				Target:    "finalize",
				Timeout:   5 * time.Second,
				DependsOn: []string{"generate-output"},
				Inputs:    []string{"output-generated"},
				Outputs:   []string{"itinerary"},
			},
		},
		ErrorHandling: workflow.ErrorHandling{
			Strategy: workflow.StrategyFailFast,
		},
		SLA: workflow.SLAPolicy{
			MaxDuration:       time.Minute,
			WarningThreshold:  15 * time.Second,
			CriticalThreshold: 40 * time.Second,
		},
	}
}
