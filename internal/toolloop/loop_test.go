package toolloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/historywriter"
	"github.com/haasonsaas/nexus/internal/planmode"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider returns one scripted completion per call, in order.
type scriptedProvider struct {
	replies []agent.CompletionChunk
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	idx := p.calls
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	p.calls++
	ch := make(chan *agent.CompletionChunk, 1)
	reply := p.replies[idx]
	ch <- &reply
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

type fakeExecutor struct {
	resultFor map[string]models.ToolResult
}

func (f *fakeExecutor) ExecuteConcurrently(ctx context.Context, calls []models.ToolCall, emit agent.EventCallback) []agent.ToolExecResult {
	out := make([]agent.ToolExecResult, len(calls))
	for i, c := range calls {
		res, ok := f.resultFor[c.Name]
		if !ok {
			res = models.ToolResult{ToolCallID: c.ID, Content: "ok"}
		}
		res.ToolCallID = c.ID
		out[i] = agent.ToolExecResult{Index: i, ToolCall: c, Result: res}
	}
	return out
}

func newTestContext(t *testing.T, store sessions.Store) *turn.Context {
	t.Helper()
	session := &models.Session{ID: "session-1", Channel: models.ChannelType("test")}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return turn.NewContext("turn-1", session, nil)
}

func TestRun_NoToolCallsEndsWithFinalAnswer(t *testing.T) {
	store := sessions.NewMemoryStore()
	tc := newTestContext(t, store)
	hw := historywriter.New(store, nil)
	provider := &scriptedProvider{replies: []agent.CompletionChunk{{Text: "hello there", Done: true}}}
	l := New(provider, &fakeExecutor{}, nil, hw, DefaultConfig())

	err := l.Run(context.Background(), tc, Request{Model: "model-a", System: "be helpful"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tc.GetString(turn.AttrLLMResponse) != "hello there" {
		t.Fatalf("AttrLLMResponse = %q", tc.GetString(turn.AttrLLMResponse))
	}
	if tc.Has(turn.AttrLLMError) {
		t.Fatal("did not expect an error attr")
	}
}

func TestRun_ToolCallThenFinalAnswer(t *testing.T) {
	store := sessions.NewMemoryStore()
	tc := newTestContext(t, store)
	hw := historywriter.New(store, nil)
	provider := &scriptedProvider{replies: []agent.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "call-1", Name: "search_web", Input: json.RawMessage(`{}`)}, Done: true},
		{Text: "the answer is 42", Done: true},
	}}
	executor := &fakeExecutor{resultFor: map[string]models.ToolResult{"search_web": {Content: "search results"}}}
	l := New(provider, executor, nil, hw, DefaultConfig())

	err := l.Run(context.Background(), tc, Request{Model: "model-a", System: "be helpful"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tc.GetString(turn.AttrLLMResponse) != "the answer is 42" {
		t.Fatalf("AttrLLMResponse = %q", tc.GetString(turn.AttrLLMResponse))
	}

	history, err := store.GetHistory(context.Background(), tc.Session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	foundToolResult := false
	for _, m := range history {
		if m.Role == models.RoleTool {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Fatal("expected a persisted tool result message")
	}
}

func TestRun_PlanToolFinalizesTurn(t *testing.T) {
	store := sessions.NewMemoryStore()
	tc := newTestContext(t, store)
	hw := historywriter.New(store, nil)
	registry := planmode.NewRegistry(nil)
	plan, err := registry.CreatePlan(context.Background(), tc.Session.ID)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	provider := &scriptedProvider{replies: []agent.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "call-1", Name: planmode.ToolSetContent, Input: json.RawMessage(`{"plan_markdown":"# Plan\nstep 1"}`)}, Done: true},
	}}
	l := New(provider, &fakeExecutor{}, registry, hw, DefaultConfig())

	if err := l.Run(context.Background(), tc, Request{Model: "model-a", PlanID: plan.ID}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	v, ok := tc.Get(turn.AttrPlanApprovalNeeded)
	if !ok || v != true {
		t.Fatalf("expected plan approval needed, got %v", v)
	}
	if !tc.Has(turn.AttrOutgoingResponse) {
		t.Fatal("expected an outgoing response set for the plan card")
	}
}

func TestRun_MaxIterationsExhaustedProducesFallback(t *testing.T) {
	store := sessions.NewMemoryStore()
	tc := newTestContext(t, store)
	hw := historywriter.New(store, nil)
	reply := agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "loop_tool", Input: json.RawMessage(`{}`)}, Done: true}
	provider := &scriptedProvider{replies: []agent.CompletionChunk{reply}}
	l := New(provider, &fakeExecutor{}, nil, hw, Config{MaxIterations: 2, PerCallTimeout: time.Second})

	if err := l.Run(context.Background(), tc, Request{Model: "model-a"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tc.GetString(turn.AttrLLMResponse) == "" {
		t.Fatal("expected a fallback message set after exhausting iterations")
	}
}

func TestRun_ProviderErrorSetsClassifiedError(t *testing.T) {
	store := sessions.NewMemoryStore()
	tc := newTestContext(t, store)
	hw := historywriter.New(store, nil)
	l := New(&erroringProvider{}, &fakeExecutor{}, nil, hw, DefaultConfig())

	if err := l.Run(context.Background(), tc, Request{Model: "model-a"}); err != nil {
		t.Fatalf("Run should not return a Go error: %v", err)
	}
	v, ok := tc.Get(turn.AttrLLMError)
	if !ok {
		t.Fatal("expected AttrLLMError to be set")
	}
	cls, ok := v.(*turn.ClassifiedError)
	if !ok || cls.Kind != turn.KindLlmTransient {
		t.Fatalf("expected KindLlmTransient, got %+v", v)
	}
}

type erroringProvider struct{}

func (p *erroringProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return nil, errTransient
}
func (p *erroringProvider) Name() string         { return "erroring" }
func (p *erroringProvider) Models() []agent.Model { return nil }
func (p *erroringProvider) SupportsTools() bool   { return true }

var errTransient = &fixedError{"provider unavailable"}

type fixedError struct{ msg string }

func (e *fixedError) Error() string { return e.msg }
