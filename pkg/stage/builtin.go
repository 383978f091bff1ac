package stage

import (
	"context"
	"sort"
	"strconv"

	"golang.org/x/time/rate"
)

// The built-in stages below are deterministic, test-friendly stand-ins
// for the real category-specific logic spec.md §1 keeps out of scope
// (how hotels are scored, which weather API is called, ...). They
// implement only the documented *shape* of each stage: minimum
// candidate counts, score fields, bounded subset selection. Each
// wraps its simulated external-provider calls in a rate.Limiter, since
// spec.md §5 expects "stages are expected to enforce their own rate
// limits against externals."

const minCandidatesPerCategory = 3

var defaultCategories = []string{"hotel", "flight", "activity", "restaurant", "car"}

// RateLimited wraps a Handler with a token-bucket limiter bounding how
// often it may invoke its (simulated) external providers.
type RateLimited struct {
	inner   Handler
	limiter *rate.Limiter
}

// NewRateLimited returns a Handler that blocks on limiter before
// delegating to inner.
func NewRateLimited(inner Handler, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter}
}

func (r *RateLimited) Handle(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return r.inner.Handle(ctx, req)
}

// candidate produces per-category candidate lists, synthesizing
// placeholder entries when fewer than minCandidatesPerCategory are
// available from (simulated) providers.
type candidate struct{}

// NewCandidateHandler returns the built-in Candidate stage.
func NewCandidateHandler() Handler { return HandlerFunc(candidate{}.Handle) }

func (candidate) Handle(ctx context.Context, req Request) (Result, error) {
	categories := categoriesFromConstraints(req.Inputs)
	out := make(map[string]any, len(categories))

	for _, cat := range categories {
		items := make([]map[string]any, 0, minCandidatesPerCategory)
		for i := 0; i < minCandidatesPerCategory; i++ {
			items = append(items, map[string]any{
				"id":          cat + "-candidate-" + strconv.Itoa(i),
				"category":    cat,
				"placeholder": true,
			})
		}
		out[cat] = items
	}

	return Result{Payload: map[string]any{"candidates-generated": out}}, nil
}

// validation filters candidates by required fields and annotates each
// with a validation_score.
type validation struct{}

func NewValidationHandler() Handler { return HandlerFunc(validation{}.Handle) }

func (validation) Handle(ctx context.Context, req Request) (Result, error) {
	generated, _ := req.Inputs["candidates-generated"].(map[string]any)
	validated := make(map[string]any, len(generated))

	for cat, v := range generated {
		items, _ := v.([]map[string]any)
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			if _, hasID := item["id"]; !hasID {
				continue
			}
			annotated := cloneItem(item)
			annotated["validation_score"] = 0.8
			annotated["errors"] = []string{}
			annotated["warnings"] = []string{}
			out = append(out, annotated)
		}
		validated[cat] = out
	}

	return Result{Payload: map[string]any{"candidates-validated": validated}}, nil
}

// ranking scores candidates 0..1 via a fixed deterministic algorithm
// and sorts descending.
type ranking struct{}

func NewRankingHandler() Handler { return HandlerFunc(ranking{}.Handle) }

func (ranking) Handle(ctx context.Context, req Request) (Result, error) {
	validated, _ := req.Inputs["candidates-validated"].(map[string]any)
	ranked := make(map[string]any, len(validated))

	for cat, v := range validated {
		items, _ := v.([]map[string]any)
		out := make([]map[string]any, 0, len(items))
		for i, item := range items {
			scored := cloneItem(item)
			scored["rank_score"] = 1.0 - float64(i)*0.1
			out = append(out, scored)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i]["rank_score"].(float64) > out[j]["rank_score"].(float64)
		})
		ranked[cat] = out
	}

	return Result{Payload: map[string]any{"candidates-ranked": ranked}}, nil
}

// selection chooses a bounded subset per category (top-1 by rank,
// standing in for the budget/diversity/risk strategy spec.md keeps
// opaque).
type selection struct{}

func NewSelectionHandler() Handler { return HandlerFunc(selection{}.Handle) }

func (selection) Handle(ctx context.Context, req Request) (Result, error) {
	ranked, _ := req.Inputs["candidates-ranked"].(map[string]any)
	selected := make(map[string]any, len(ranked))

	for cat, v := range ranked {
		items, _ := v.([]map[string]any)
		if len(items) == 0 {
			continue
		}
		selected[cat] = cloneItem(items[0])
	}

	return Result{Payload: map[string]any{"candidates-selected": selected}}, nil
}

// enrichment augments the selected items with a fixed enrichment
// score; this is the stage scenario 2 in spec.md §8 configures to
// never reply, exercising the timeout/compensation path.
type enrichment struct{}

func NewEnrichmentHandler() Handler { return HandlerFunc(enrichment{}.Handle) }

func (enrichment) Handle(ctx context.Context, req Request) (Result, error) {
	selected, _ := req.Inputs["candidates-selected"].(map[string]any)
	enriched := make(map[string]any, len(selected))

	for cat, v := range selected {
		item, _ := v.(map[string]any)
		out := cloneItem(item)
		out["enrichment_score"] = 0.9
		enriched[cat] = out
	}

	return Result{Payload: map[string]any{"candidates-enriched": enriched}}, nil
}

// output packages the final artifact from the enriched selection.
type output struct{}

func NewOutputHandler() Handler { return HandlerFunc(output{}.Handle) }

func (output) Handle(ctx context.Context, req Request) (Result, error) {
	enriched, _ := req.Inputs["candidates-enriched"].(map[string]any)
	return Result{Payload: map[string]any{
		"output-generated": map[string]any{"itinerary": enriched},
	}}, nil
}

func categoriesFromConstraints(inputs map[string]any) []string {
	if c, ok := inputs["constraints"].(map[string]any); ok {
		if cats, ok := c["categories"].([]string); ok && len(cats) > 0 {
			return cats
		}
	}
	return defaultCategories
}

func cloneItem(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
