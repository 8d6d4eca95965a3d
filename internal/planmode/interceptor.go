package planmode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Tool names recognized by the interceptor. Finalization is recognized by
// plan_set_content reaching READY; plan_finalize is an optional synonym a
// model may call instead when it has nothing left to change — see the
// decision recorded in the design ledger.
const (
	ToolSetContent = "plan_set_content"
	ToolGet        = "plan_get"
	ToolFinalize   = "plan_finalize"
)

// PlanTools is the fixed set of tool names the Context Builder should only
// advertise while plan mode is active.
var PlanTools = map[string]bool{
	ToolSetContent: true,
	ToolGet:        true,
	ToolFinalize:   true,
}

// planToolDeniedMarker is the canonical tool-result text for a plan tool
// call made while plan mode is inactive.
const planToolDeniedMarker = "plan mode inactive"

// Outcome is what the interceptor decided for one batch of tool calls.
type Outcome struct {
	// Consumed holds synthetic tool results for calls the interceptor
	// handled itself (plan_set_content, plan_get, and denied plan calls
	// outside plan mode). These are appended via the History Writer; no
	// external tool executes them.
	Consumed []*models.ToolResult

	// Passthrough holds the calls that were not plan tools and must go to
	// the real Tool Executor.
	Passthrough []models.ToolCall

	// FinalizeRequested is set when a plan in this batch reached READY —
	// via plan_set_content or the plan_finalize synonym. The Tool Loop must
	// terminate with a plan-approval outgoing response (the plan card)
	// rather than continuing iterations.
	FinalizeRequested bool
	FinalizedPlan     *Plan
}

type setContentArgs struct {
	PlanMarkdown string `json:"plan_markdown"`
	Title        string `json:"title"`
}

// Intercept inspects calls for a session and splits them into plan-tool
// calls (handled here, synchronously, never executing external tools) and
// everything else (passed through). planID is empty when plan mode is
// inactive for the session.
func (r *Registry) Intercept(ctx context.Context, sessionID, planID string, calls []models.ToolCall) (Outcome, error) {
	var out Outcome

	for _, call := range calls {
		if !PlanTools[call.Name] {
			out.Passthrough = append(out.Passthrough, call)
			continue
		}

		if planID == "" {
			out.Consumed = append(out.Consumed, &models.ToolResult{
				ToolCallID: call.ID,
				Content:    planToolDeniedMarker,
				IsError:    true,
			})
			continue
		}

		result, finalized, plan, err := r.handlePlanTool(ctx, planID, call)
		if err != nil {
			return out, err
		}
		out.Consumed = append(out.Consumed, result)
		if finalized {
			out.FinalizeRequested = true
			out.FinalizedPlan = plan
		}
	}

	return out, nil
}

func (r *Registry) handlePlanTool(ctx context.Context, planID string, call models.ToolCall) (*models.ToolResult, bool, *Plan, error) {
	switch call.Name {
	case ToolSetContent:
		var args setContentArgs
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return &models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("invalid plan_set_content arguments: %v", err), IsError: true}, false, nil, nil
		}
		plan, err := r.SetContent(ctx, planID, args.PlanMarkdown, args.Title)
		if err != nil {
			return nil, false, nil, err
		}
		return &models.ToolResult{ToolCallID: call.ID, Content: "[Planned] plan content updated, awaiting approval"}, true, plan, nil

	case ToolGet:
		plan, err := r.Get(ctx, planID)
		if err != nil {
			return nil, false, nil, err
		}
		return &models.ToolResult{ToolCallID: call.ID, Content: plan.Markdown}, false, plan, nil

	case ToolFinalize:
		plan, err := r.Finalize(ctx, planID)
		if err != nil {
			return &models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("plan_finalize failed: %v", err), IsError: true}, false, nil, nil
		}
		return &models.ToolResult{ToolCallID: call.ID, Content: "[Planned] plan finalized, awaiting approval"}, true, plan, nil

	default:
		return nil, false, nil, fmt.Errorf("unhandled plan tool %q", call.Name)
	}
}
