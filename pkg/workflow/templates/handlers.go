package templates

import (
	"context"

	"github.com/r3e-network/tripsaga/pkg/blackboard"
	"github.com/r3e-network/tripsaga/pkg/workflow"
)

// Handlers bundles the system-step and compensation handlers the
// Travel/TravelFallback templates reference by name, bound to a
// Blackboard so initialize/finalize can seed and read the shared
// working memory.
type Handlers struct {
	bb *blackboard.Blackboard
}

// NewHandlers constructs the template's system handler set.
func NewHandlers(bb *blackboard.Blackboard) *Handlers {
	return &Handlers{bb: bb}
}

// Register binds every handler onto engine e under the names the
// Travel/TravelFallback templates reference.
func (h *Handlers) Register(e *workflow.Engine) {
	e.RegisterSystemHandler("initialize", h.initialize)
	e.RegisterSystemHandler("finalize", h.finalize)
	e.RegisterSystemHandler("skip-enrichment", h.skipEnrichment)
}

// initialize seeds the user_input/prefs/intent/constraints blackboard
// entries from the saga's originating request data, per SPEC_FULL.md §6
// step 1.
func (h *Handlers) initialize(ctx context.Context, saga *workflow.Saga, step workflow.Step) (map[string]any, error) {
	userInput, _ := saga.Data["user_input"].(map[string]any)
	prefs, _ := saga.Data["prefs"].(map[string]any)
	intent, _ := saga.Data["intent"].(map[string]any)
	constraints, _ := saga.Data["constraints"].(map[string]any)

	if userInput == nil {
		userInput = map[string]any{}
	}
	if prefs == nil {
		prefs = map[string]any{}
	}
	if intent == nil {
		intent = map[string]any{}
	}
	if constraints == nil {
		constraints = map[string]any{}
	}

	if _, err := h.bb.Write(ctx, blackboard.NamespaceUserInput, saga.SagaID, userInput, blackboard.WriteOptions{}); err != nil {
		return nil, err
	}
	if _, err := h.bb.Write(ctx, blackboard.NamespacePrefs, saga.SagaID, prefs, blackboard.WriteOptions{}); err != nil {
		return nil, err
	}
	if _, err := h.bb.Write(ctx, blackboard.NamespaceIntent, saga.SagaID, intent, blackboard.WriteOptions{}); err != nil {
		return nil, err
	}
	if _, err := h.bb.Write(ctx, blackboard.NamespaceConstraints, saga.SagaID, constraints, blackboard.WriteOptions{}); err != nil {
		return nil, err
	}

	return map[string]any{
		"user_input":  userInput,
		"prefs":       prefs,
		"intent":      intent,
		"constraints": constraints,
	}, nil
}

// finalize writes the final itinerary into the strong-consistency
// itinerary namespace.
func (h *Handlers) finalize(ctx context.Context, saga *workflow.Saga, step workflow.Step) (map[string]any, error) {
	output, _ := saga.StepResults["output-generated"].(map[string]any)
	if output == nil {
		output = map[string]any{}
	}

	if _, err := h.bb.Write(ctx, blackboard.NamespaceItinerary, saga.SagaID, output, blackboard.WriteOptions{}); err != nil {
		return nil, err
	}

	return map[string]any{"itinerary": output}, nil
}

// skipEnrichment is the compensation action for enrich-candidates
// timing out (SPEC_FULL.md §6): it copies candidates-selected into
// candidates-enriched, marking enrichment_skipped.
func (h *Handlers) skipEnrichment(ctx context.Context, saga *workflow.Saga, step workflow.Step) (map[string]any, error) {
	selected, _ := saga.StepResults["candidates-selected"].(map[string]any)
	enriched := make(map[string]any, len(selected))
	for cat, v := range selected {
		item, _ := v.(map[string]any)
		copied := make(map[string]any, len(item)+1)
		for k, val := range item {
			copied[k] = val
		}
		copied["enrichment_skipped"] = true
		enriched[cat] = copied
	}

	return map[string]any{"candidates-enriched": enriched}, nil
}
