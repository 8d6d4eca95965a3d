package planmode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestIntercept_PassesThroughNonPlanTools(t *testing.T) {
	r := NewRegistry(nil)
	calls := []models.ToolCall{{ID: "1", Name: "search_web"}}

	out, err := r.Intercept(context.Background(), "session-1", "", calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if len(out.Consumed) != 0 {
		t.Fatalf("expected no consumed calls, got %d", len(out.Consumed))
	}
	if len(out.Passthrough) != 1 || out.Passthrough[0].Name != "search_web" {
		t.Fatalf("expected search_web passed through, got %+v", out.Passthrough)
	}
}

func TestIntercept_DeniesPlanToolsOutsidePlanMode(t *testing.T) {
	r := NewRegistry(nil)
	calls := []models.ToolCall{{ID: "1", Name: ToolSetContent, Input: json.RawMessage(`{"plan_markdown":"x"}`)}}

	out, err := r.Intercept(context.Background(), "session-1", "", calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if len(out.Consumed) != 1 {
		t.Fatalf("expected one consumed result, got %d", len(out.Consumed))
	}
	if !out.Consumed[0].IsError || out.Consumed[0].Content != planToolDeniedMarker {
		t.Fatalf("expected denied marker, got %+v", out.Consumed[0])
	}
	if out.FinalizeRequested {
		t.Fatal("denied call must not request finalization")
	}
}

func TestIntercept_SetContentFinalizesPlan(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	plan, _ := r.CreatePlan(ctx, "session-1")

	calls := []models.ToolCall{{
		ID:    "1",
		Name:  ToolSetContent,
		Input: json.RawMessage(`{"plan_markdown":"# Plan\nstep 1","title":"My Plan"}`),
	}}

	out, err := r.Intercept(ctx, "session-1", plan.ID, calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !out.FinalizeRequested {
		t.Fatal("expected plan_set_content to request finalization")
	}
	if out.FinalizedPlan == nil || out.FinalizedPlan.Status != StatusReady {
		t.Fatalf("expected finalized plan in READY, got %+v", out.FinalizedPlan)
	}
	if len(out.Consumed) != 1 || out.Consumed[0].IsError {
		t.Fatalf("expected one successful consumed result, got %+v", out.Consumed)
	}
}

func TestIntercept_PlanFinalizeSynonym(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	plan, _ := r.CreatePlan(ctx, "session-1")
	r.SetContent(ctx, plan.ID, "v1", "Title")

	calls := []models.ToolCall{{ID: "1", Name: ToolFinalize}}
	out, err := r.Intercept(ctx, "session-1", plan.ID, calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !out.FinalizeRequested {
		t.Fatal("expected plan_finalize to request finalization")
	}
	if out.FinalizedPlan.Markdown != "v1" {
		t.Fatalf("plan_finalize must preserve existing content, got %q", out.FinalizedPlan.Markdown)
	}
}

func TestIntercept_PlanGetDoesNotFinalize(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	plan, _ := r.CreatePlan(ctx, "session-1")
	r.SetContent(ctx, plan.ID, "v1", "Title")

	calls := []models.ToolCall{{ID: "1", Name: ToolGet}}
	out, err := r.Intercept(ctx, "session-1", plan.ID, calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if out.FinalizeRequested {
		t.Fatal("plan_get must not request finalization")
	}
	if len(out.Consumed) != 1 || out.Consumed[0].Content != "v1" {
		t.Fatalf("expected plan markdown returned, got %+v", out.Consumed)
	}
}

func TestIntercept_InvalidSetContentArgsReturnsErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	plan, _ := r.CreatePlan(ctx, "session-1")

	calls := []models.ToolCall{{ID: "1", Name: ToolSetContent, Input: json.RawMessage(`not-json`)}}
	out, err := r.Intercept(ctx, "session-1", plan.ID, calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if len(out.Consumed) != 1 || !out.Consumed[0].IsError {
		t.Fatalf("expected an error tool result, got %+v", out.Consumed)
	}
	if out.FinalizeRequested {
		t.Fatal("a failed set_content must not finalize")
	}
}

func TestIntercept_MixedBatchSplitsCorrectly(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	plan, _ := r.CreatePlan(ctx, "session-1")

	calls := []models.ToolCall{
		{ID: "1", Name: "search_web"},
		{ID: "2", Name: ToolSetContent, Input: json.RawMessage(`{"plan_markdown":"v1"}`)},
	}
	out, err := r.Intercept(ctx, "session-1", plan.ID, calls)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if len(out.Passthrough) != 1 || out.Passthrough[0].ID != "1" {
		t.Fatalf("expected search_web passed through, got %+v", out.Passthrough)
	}
	if len(out.Consumed) != 1 || out.Consumed[0].ToolCallID != "2" {
		t.Fatalf("expected plan_set_content consumed, got %+v", out.Consumed)
	}
	if !out.FinalizeRequested {
		t.Fatal("expected finalization from plan_set_content in mixed batch")
	}
}
