package stage

import (
	"context"
	"testing"

	"golang.org/x/time/rate"
)

func TestCandidateHandlerMeetsMinimumPerCategory(t *testing.T) {
	h := NewCandidateHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	generated, _ := res.Payload["candidates-generated"].(map[string]any)
	if len(generated) != len(defaultCategories) {
		t.Fatalf("got %d categories, want %d", len(generated), len(defaultCategories))
	}
	for cat, v := range generated {
		items, _ := v.([]map[string]any)
		if len(items) < minCandidatesPerCategory {
			t.Errorf("category %s has %d candidates, want >= %d", cat, len(items), minCandidatesPerCategory)
		}
	}
}

func TestValidationFiltersMissingID(t *testing.T) {
	h := NewValidationHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{
		"candidates-generated": map[string]any{
			"hotel": []map[string]any{
				{"id": "hotel-1"},
				{"category": "hotel"}, // no id, must be dropped
			},
		},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	validated, _ := res.Payload["candidates-validated"].(map[string]any)
	items, _ := validated["hotel"].([]map[string]any)
	if len(items) != 1 {
		t.Fatalf("got %d validated items, want 1", len(items))
	}
	if items[0]["validation_score"] != 0.8 {
		t.Errorf("validation_score = %v, want 0.8", items[0]["validation_score"])
	}
}

func TestRankingSortsDescending(t *testing.T) {
	h := NewRankingHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{
		"candidates-validated": map[string]any{
			"hotel": []map[string]any{
				{"id": "a"}, {"id": "b"}, {"id": "c"},
			},
		},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ranked, _ := res.Payload["candidates-ranked"].(map[string]any)
	items, _ := ranked["hotel"].([]map[string]any)
	for i := 1; i < len(items); i++ {
		if items[i-1]["rank_score"].(float64) < items[i]["rank_score"].(float64) {
			t.Fatalf("ranked items not descending: %v", items)
		}
	}
}

func TestSelectionPicksTopOnePerCategory(t *testing.T) {
	h := NewSelectionHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{
		"candidates-ranked": map[string]any{
			"hotel": []map[string]any{{"id": "a", "rank_score": 0.9}, {"id": "b", "rank_score": 0.5}},
		},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	selected, _ := res.Payload["candidates-selected"].(map[string]any)
	item, _ := selected["hotel"].(map[string]any)
	if item["id"] != "a" {
		t.Errorf("selected id = %v, want a", item["id"])
	}
}

func TestEnrichmentAddsScore(t *testing.T) {
	h := NewEnrichmentHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{
		"candidates-selected": map[string]any{"hotel": map[string]any{"id": "a"}},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	enriched, _ := res.Payload["candidates-enriched"].(map[string]any)
	item, _ := enriched["hotel"].(map[string]any)
	if item["enrichment_score"] != 0.9 {
		t.Errorf("enrichment_score = %v, want 0.9", item["enrichment_score"])
	}
}

func TestOutputPackagesItinerary(t *testing.T) {
	h := NewOutputHandler()
	res, err := h.Handle(context.Background(), Request{Inputs: map[string]any{
		"candidates-enriched": map[string]any{"hotel": map[string]any{"id": "a"}},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out, _ := res.Payload["output-generated"].(map[string]any)
	if _, ok := out["itinerary"]; !ok {
		t.Error("output-generated missing itinerary key")
	}
}

func TestRateLimitedDelegatesAfterWait(t *testing.T) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	called := false
	inner := HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		called = true
		return Result{}, nil
	})
	rl := NewRateLimited(inner, limiter)
	if _, err := rl.Handle(context.Background(), Request{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !called {
		t.Error("inner handler was not invoked")
	}
}
