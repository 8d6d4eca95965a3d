// Package toolloop implements the Tool Loop (C8): the bounded LLM-and-tools
// fixed point that drives one turn from the first completion request
// through however many rounds of tool execution it takes to reach a final
// assistant answer, a plan-approval handoff, or exhaustion.
//
// It is grounded on agent.AgenticLoop's Run/streamPhase/executeToolsPhase
// shape (internal/agent/loop.go) but is narrower in scope: persistence goes
// exclusively through the History Writer, tool-call interception is the
// Plan Mode Registry rather than inline plan handling, and its iteration
// budget and overflow recovery follow this runtime's own numbers rather
// than the teacher's.
package toolloop

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/historywriter"
	"github.com/haasonsaas/nexus/internal/outgoing"
	"github.com/haasonsaas/nexus/internal/planmode"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultMaxIterations is 8, not the teacher's DefaultLoopConfig value of 10 —
// a deliberate departure recorded in the design ledger.
const DefaultMaxIterations = 8

// DefaultPerCallTimeout bounds a single LLM completion call.
const DefaultPerCallTimeout = 120 * time.Second

// DefaultMaxInputTokens feeds the emergency-truncation formula when the
// caller does not know the selected model's actual context window.
const DefaultMaxInputTokens = 100000

// ToolExecutor runs a batch of tool calls, returning results in the same
// order as the input. *agent.ToolExecutor satisfies this via
// ExecuteConcurrently.
type ToolExecutor interface {
	ExecuteConcurrently(ctx context.Context, calls []models.ToolCall, emit agent.EventCallback) []agent.ToolExecResult
}

// Config tunes the loop's iteration budget and per-call timing.
type Config struct {
	MaxIterations  int
	PerCallTimeout time.Duration
	MaxInputTokens int
}

// DefaultConfig returns the spec's defaults: 8 iterations, a 120s per-call
// timeout, and a 100k-token emergency-truncation budget.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  DefaultMaxIterations,
		PerCallTimeout: DefaultPerCallTimeout,
		MaxInputTokens: DefaultMaxInputTokens,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = DefaultPerCallTimeout
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = DefaultMaxInputTokens
	}
	return cfg
}

// Request carries everything one turn needs to drive the loop; the caller
// (the Turn Scheduler) has already run the Context Builder and Skill Router
// to produce System and Tools.
type Request struct {
	Model  string
	System string
	Tools  []agent.Tool
	PlanID string
}

// Loop drives the bounded LLM <-> tool fixed point for one turn.
type Loop struct {
	provider agent.LLMProvider
	executor ToolExecutor
	plans    *planmode.Registry
	history  *historywriter.Writer
	cfg      Config
}

// New builds a Loop. plans may be nil when the caller never enables plan
// mode; every tool call is then treated as passthrough.
func New(provider agent.LLMProvider, executor ToolExecutor, plans *planmode.Registry, history *historywriter.Writer, cfg Config) *Loop {
	return &Loop{
		provider: provider,
		executor: executor,
		plans:    plans,
		history:  history,
		cfg:      sanitizeConfig(cfg),
	}
}

// Run executes the loop against tc until a final assistant answer, a plan
// finalization, a fatal error, or iteration exhaustion. The outcome is
// recorded into tc's attribute bag: AttrLLMResponse on success,
// AttrLLMError on fatal failure, AttrPlanApprovalNeeded + AttrOutgoingResponse
// on plan finalization.
func (l *Loop) Run(ctx context.Context, tc *turn.Context, req Request) error {
	previousModel, _ := tc.Session.Metadata[lastModelKey].(string)

	messages := toCompletionMessages(tc.Working)
	messages = flattenForModelSwitch(messages, previousModel, req.Model)

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		tc.Set(turn.AttrCurrentIteration, iteration)

		text, toolCalls, err := l.complete(ctx, tc, req, messages)
		if err != nil {
			tc.Set(turn.AttrLLMError, classify(err))
			return nil
		}

		if tc.Session.Metadata == nil {
			tc.Session.Metadata = make(map[string]any)
		}
		tc.Session.Metadata[lastModelKey] = req.Model

		if len(toolCalls) == 0 {
			if _, err := l.history.AppendFinalAssistantAnswer(ctx, tc, text); err != nil {
				tc.Set(turn.AttrLLMError, turn.NewClassifiedError(turn.KindFatal, "persisting final answer", err))
				return nil
			}
			tc.Set(turn.AttrLLMResponse, text)
			return nil
		}

		if _, err := l.history.AppendAssistantToolCalls(ctx, tc, text, toolCalls); err != nil {
			tc.Set(turn.AttrLLMError, turn.NewClassifiedError(turn.KindFatal, "persisting tool calls", err))
			return nil
		}

		outcome, err := l.intercept(ctx, tc, req.PlanID, toolCalls)
		if err != nil {
			tc.Set(turn.AttrLLMError, turn.NewClassifiedError(turn.KindFatal, "plan interceptor", err))
			return nil
		}

		results, err := l.resolveResults(ctx, outcome, toolCalls)
		if err != nil {
			tc.Set(turn.AttrLLMError, turn.NewClassifiedError(turn.KindFatal, "executing tools", err))
			return nil
		}

		for _, tc2 := range toolCalls {
			if r, ok := results[tc2.ID]; ok {
				if err := l.history.AppendToolResult(ctx, tc, r); err != nil {
					tc.Set(turn.AttrLLMError, turn.NewClassifiedError(turn.KindFatal, "persisting tool result", err))
					return nil
				}
			}
		}

		if outcome.FinalizeRequested {
			l.finalizePlan(tc, outcome.FinalizedPlan)
			return nil
		}

		messages = toCompletionMessages(tc.Working)
	}

	fallback := "I reached my tool-use limit for this turn without a final answer."
	if _, err := l.history.AppendFinalAssistantAnswer(ctx, tc, fallback); err == nil {
		tc.Set(turn.AttrLLMResponse, fallback)
	}
	return nil
}

func (l *Loop) intercept(ctx context.Context, tc *turn.Context, planID string, calls []models.ToolCall) (planmode.Outcome, error) {
	if l.plans == nil {
		return planmode.Outcome{Passthrough: calls}, nil
	}
	return l.plans.Intercept(ctx, tc.Session.ID, planID, calls)
}

// resolveResults executes the outcome's passthrough calls and merges them
// with the interceptor's own synthetic results, keyed by tool call id so
// the caller can append in the assistant message's original order. Every
// result is stamped with the name of the tool call that produced it, even
// when the executor or interceptor left ToolName unset, so later stages
// (history flattening on a model switch) can identify it without looking
// the call back up.
func (l *Loop) resolveResults(ctx context.Context, outcome planmode.Outcome, original []models.ToolCall) (map[string]models.ToolResult, error) {
	names := make(map[string]string, len(original))
	for _, c := range original {
		names[c.ID] = c.Name
	}

	byID := make(map[string]models.ToolResult, len(original))
	for _, r := range outcome.Consumed {
		result := *r
		if result.ToolName == "" {
			result.ToolName = names[result.ToolCallID]
		}
		byID[result.ToolCallID] = result
	}

	if len(outcome.Passthrough) > 0 {
		execResults := l.executor.ExecuteConcurrently(ctx, outcome.Passthrough, nil)
		for _, r := range execResults {
			result := r.Result
			if result.ToolName == "" {
				result.ToolName = r.ToolCall.Name
			}
			byID[r.ToolCall.ID] = result
		}
	}

	return byID, nil
}

func (l *Loop) finalizePlan(tc *turn.Context, plan *planmode.Plan) {
	tc.Set(turn.AttrPlanApprovalNeeded, true)
	text := "Plan ready for approval."
	if plan != nil {
		text = plan.Markdown
	}
	tc.Set(turn.AttrOutgoingResponse, outgoing.Response{Text: &text})
}

// complete calls the provider once, bounded by PerCallTimeout, recovering
// from a classified context-overflow or an empty response with a single
// retry each, per turn. Usage is recorded on every attempt, including ones a
// retry discards.
func (l *Loop) complete(ctx context.Context, tc *turn.Context, req Request, messages []agent.CompletionMessage) (string, []models.ToolCall, error) {
	text, calls, err := l.completeOnce(ctx, tc, req, messages)
	if err == nil && strings.TrimSpace(text) == "" && len(calls) == 0 {
		// Empty-response retry-once-then-fail.
		text, calls, err = l.completeOnce(ctx, tc, req, messages)
		if err == nil && strings.TrimSpace(text) == "" && len(calls) == 0 {
			return "", nil, turn.NewClassifiedError(turn.KindLlmEmpty, "provider returned an empty response twice", nil)
		}
		return text, calls, err
	}
	if err != nil && turn.IsContextOverflow(err) {
		maxChars := emergencyMaxMessageChars(l.cfg.MaxInputTokens)
		truncated := emergencyTruncate(messages, maxChars)
		return l.completeOnce(ctx, tc, req, truncated)
	}
	return text, calls, err
}

func (l *Loop) completeOnce(ctx context.Context, tc *turn.Context, req Request, messages []agent.CompletionMessage) (string, []models.ToolCall, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.PerCallTimeout)
	defer cancel()

	tools := make([]agent.Tool, len(req.Tools))
	copy(tools, req.Tools)

	completionReq := &agent.CompletionRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: messages,
		Tools:    tools,
	}

	chunks, err := l.provider.Complete(callCtx, completionReq)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []models.ToolCall
	var inputTokens, outputTokens int
	for chunk := range chunks {
		if chunk.Error != nil {
			tc.AddUsage(inputTokens, outputTokens)
			return "", nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}
	tc.AddUsage(inputTokens, outputTokens)
	return text.String(), calls, nil
}

func classify(err error) *turn.ClassifiedError {
	if cls, ok := err.(*turn.ClassifiedError); ok {
		return cls
	}
	if turn.IsContextOverflow(err) {
		return turn.NewClassifiedError(turn.KindContextOverflow, "", err)
	}
	return turn.NewClassifiedError(turn.KindLlmTransient, "", err)
}

func toCompletionMessages(history []*models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history))
	for _, m := range history {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}
