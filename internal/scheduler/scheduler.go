// Package scheduler implements the Turn Scheduler (C14): the per-turn
// lifecycle owner that wraps the whole pipeline in a cancellation scope,
// invokes the other thirteen components in the fixed order the control
// flow demands, and guarantees every turn ends with an outgoing response
// or a synthesized fallback.
//
// It is grounded on Runtime.run's shape in internal/agent/runtime.go — the
// per-session lock via lockSession, the wall-time context.WithTimeout
// wrapping, and the single linear pass through history load, prompting,
// and persistence — generalized into an explicit ordered-stage pipeline
// over the narrower Turn Context rather than Runtime's own state.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/aggregator"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/contextbuilder"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/internal/outgoing"
	"github.com/haasonsaas/nexus/internal/planmode"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/sanitize"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/skillrouter"
	"github.com/haasonsaas/nexus/internal/toolloop"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultTurnTimeout bounds one turn end to end, per the spec's whole-turn
// timeout.
const DefaultTurnTimeout = 300 * time.Second

// fallbackText is the Feedback Guarantee's minimal safe response, used only
// when every earlier stage leaves no outgoing response set.
const fallbackText = "I was unable to produce a response."

// PromptAssembly is what the caller's registry knowledge supplies for one
// routing decision: the Context Builder input (skill summaries, memory
// pack, tool schema listing for the prompt) and the concrete Tool
// implementations the Tool Loop may invoke. Kept as one hook so the two
// stay in sync — the tools offered to the model must match the schemas
// described in its own prompt.
type PromptAssembly interface {
	BuildPrompt(route skillrouter.MatchResult, planModeActive bool) contextbuilder.Input
	ToolsFor(route skillrouter.MatchResult) []agent.Tool
}

// Config tunes the Scheduler's cancellation and rate-limit behavior.
type Config struct {
	TurnTimeout  time.Duration
	UserScope    ratelimit.ScopeConfig
	ChannelScope ratelimit.ScopeConfig
}

// DefaultConfig returns the 300s whole-turn timeout. Zero-value ScopeConfigs
// fall back to the Gate's own bucket defaults.
func DefaultConfig() Config {
	return Config{TurnTimeout: DefaultTurnTimeout}
}

// Request is one inbound message to schedule through the pipeline.
type Request struct {
	Session  *models.Session
	Message  *models.Message
	Model    string
	PlanID   string
	AutoMode bool

	// CandidateSkills is the universe of skill names the Router may choose
	// among for this request.
	CandidateSkills []string
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Scheduler owns per-turn lifecycle across concurrently running sessions.
type Scheduler struct {
	sessions  sessions.Store
	gate      *ratelimit.Gate
	router    *skillrouter.Router
	prompt    PromptAssembly
	loop      *toolloop.Loop
	plans     *planmode.Registry
	sender    outbound.Sender
	bus       *turn.Bus
	compactor *compaction.AutoCompactor

	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// New wires a Scheduler from its per-turn collaborators. plans, compactor
// and sender may be nil when the caller does not want plan-mode commands,
// proactive compaction, or outbound delivery (e.g. a dry-run harness); bus
// defaults to a no-op sink when nil. plans must be the same Registry the
// Tool Loop's own Plan Mode Interceptor was built with, or plan-command
// handling and tool-call interception will disagree about a session's
// active plan.
func New(store sessions.Store, gate *ratelimit.Gate, router *skillrouter.Router, prompt PromptAssembly, loop *toolloop.Loop, plans *planmode.Registry, sender outbound.Sender, compactor *compaction.AutoCompactor, bus *turn.Bus, cfg Config) *Scheduler {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if bus == nil {
		bus = turn.NewBus(nil)
	}
	return &Scheduler{
		sessions:  store,
		gate:      gate,
		router:    router,
		prompt:    prompt,
		loop:      loop,
		plans:     plans,
		sender:    sender,
		bus:       bus,
		compactor: compactor,
		cfg:       cfg,
		locks:     make(map[string]*sessionLock),
	}
}

func (s *Scheduler) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}
	s.locksMu.Lock()
	lock := s.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.locks, sessionID)
		}
		s.locksMu.Unlock()
	}
}

// RunTurn drives one inbound message through the full pipeline: Rate-Limit
// Gate, Input Sanitizer, Message Aggregator + Skill Router, Context
// Builder, Tool Loop (which may itself call the Plan Mode Interceptor and
// rely on the Tool Confirmation Broker through its executor), proactive
// Auto-Compaction, Outgoing Response Preparer, and finally the Response
// Router — in that fixed order. Pipeline failures are recorded as
// turn.failed events rather than returned as Go errors; the only error
// return is a rejected rate-limit admission.
func (s *Scheduler) RunTurn(ctx context.Context, req Request) (outbound.RoutingOutcome, error) {
	unlock := s.lockSession(req.Session.ID)
	defer unlock()

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	started := time.Now()
	s.bus.TurnStarted(turnCtx, req.Session.ID)

	// C1: Rate-Limit Gate.
	if s.gate != nil {
		if d := s.gate.TryConsume(ratelimit.ScopeUserGlobal, s.cfg.UserScope); !d.Allowed {
			s.bus.TurnFailed(turnCtx, req.Session.ID, turn.KindRateLimited, "user rate limit exceeded")
			return outbound.RoutingOutcome{}, turn.NewClassifiedError(turn.KindRateLimited, "rate limited", nil)
		}
		channelScope := ratelimit.ScopeChannel(string(req.Session.Channel))
		if d := s.gate.TryConsume(channelScope, s.cfg.ChannelScope); !d.Allowed {
			s.bus.TurnFailed(turnCtx, req.Session.ID, turn.KindRateLimited, "channel rate limit exceeded")
			return outbound.RoutingOutcome{}, turn.NewClassifiedError(turn.KindRateLimited, "rate limited", nil)
		}
	}

	// C2: Input Sanitizer.
	req.Message.Content = sanitize.Text(req.Message.Content)

	history, err := s.sessions.GetHistory(turnCtx, req.Session.ID, 50)
	if err != nil {
		s.bus.TurnFailed(turnCtx, req.Session.ID, turn.KindFatal, "loading history")
		return outbound.RoutingOutcome{}, nil
	}

	tc := turn.NewContext(req.Message.ID, req.Session, history)
	tc.PlanID = req.PlanID
	tc.Working = append(tc.Working, req.Message)

	// C7: plan-mode user commands ("plan on", "approve", "plan off"/"reset")
	// drive the state machine's own transition rows directly and terminate
	// the turn with a confirmation, bypassing the Tool Loop entirely — the
	// Interceptor inside the loop only ever sees plan *tool calls*.
	if s.plans != nil {
		if response, handled := s.handlePlanCommand(turnCtx, tc, req.Message.Content); handled {
			var outcome outbound.RoutingOutcome
			if s.sender != nil {
				outcome = outbound.Route(turnCtx, s.sender, string(req.Session.Channel), req.Session.ChannelID, response)
			}
			s.bus.TurnCompleted(turnCtx, req.Session.ID, req.Model, 0, time.Since(started))
			return outcome, nil
		}
	}

	// C3 + C5: the Message Aggregator's output query feeds the Skill
	// Router; C4 (the embedding store) lives behind the Router already.
	var route skillrouter.MatchResult
	if s.router != nil {
		agg := aggregator.Aggregate(tc.Working)
		route = s.router.Match(turnCtx, agg.Query, req.CandidateSkills, recentUserTexts(tc.Working, 3))
		tc.Set(turn.AttrRoutingResult, route)
		tc.Set(turn.AttrActiveSkill, route.Skill)
		tc.Set(turn.AttrModelTier, route.ModelTier)
	}

	// C6: Context Builder.
	var system string
	var tools []agent.Tool
	if s.prompt != nil {
		in := s.prompt.BuildPrompt(route, tc.PlanID != "")
		system = contextbuilder.Build(in)
		tools = s.prompt.ToolsFor(route)
	}

	// C8, with C7 and C13 as its own internal collaborators.
	if err := s.loop.Run(turnCtx, tc, toolloop.Request{Model: req.Model, System: system, Tools: tools, PlanID: req.PlanID}); err != nil {
		s.bus.TurnFailed(turnCtx, req.Session.ID, turn.KindFatal, err.Error())
		return outbound.RoutingOutcome{}, nil
	}

	// C9: proactive Auto-Compaction for the turns that follow this one. A
	// failure here never fails the turn itself — the response already
	// exists.
	if s.compactor != nil {
		if compacted, didCompact, cErr := s.compactor.CompactIfNeeded(turnCtx, tc.Working); cErr == nil && didCompact {
			tc.Working = compacted
			// Best effort: if this fails, the in-memory tc.Working for this
			// turn's response is still compacted, but the next turn's
			// GetHistory will reload the pre-compaction messages.
			_ = s.sessions.ReplaceHistory(turnCtx, req.Session.ID, compacted)
		}
	}

	// C11: Outgoing Response Preparer.
	response := outgoing.Prepare(tc)

	// Feedback Guarantee.
	if !req.AutoMode && response.Text == nil && response.Error == nil && !response.VoiceRequested && len(response.Attachments) == 0 {
		text := fallbackText
		response = outgoing.Response{Text: &text}
	}

	if cls, ok := tc.Get(turn.AttrLLMError); ok {
		if classified, ok := cls.(*turn.ClassifiedError); ok {
			s.bus.TurnFailed(turnCtx, req.Session.ID, classified.Kind, classified.Message)
		}
	}
	if approvalNeeded, ok := tc.Get(turn.AttrPlanApprovalNeeded); ok && approvalNeeded == true {
		s.bus.PlanReady(turnCtx, req.Session.ID, tc.PlanID)
	}

	// C12: Response Router. Best-effort, never mutates raw history.
	var outcome outbound.RoutingOutcome
	if s.sender != nil {
		outcome = outbound.Route(turnCtx, s.sender, string(req.Session.Channel), req.Session.ChannelID, response)
	}

	toolCallCount := 0
	for _, m := range tc.Working {
		toolCallCount += len(m.ToolCalls)
	}
	s.bus.TurnCompleted(turnCtx, req.Session.ID, req.Model, toolCallCount, time.Since(started))

	return outcome, nil
}

// handlePlanCommand recognizes a user message as one of the plan state
// machine's user-command transition rows and drives the Registry directly.
// It reports handled=false for any message that is not one of the three
// recognized directives, leaving the turn to continue through the normal
// pipeline.
func (s *Scheduler) handlePlanCommand(ctx context.Context, tc *turn.Context, content string) (outgoing.Response, bool) {
	cmd := planmode.ParseCommand(content)
	if cmd == planmode.CommandNone {
		return outgoing.Response{}, false
	}

	var text string
	switch cmd {
	case planmode.CommandPlanOn:
		if _, err := s.plans.ActivePlan(ctx, tc.Session.ID); err == nil {
			text = "Plan mode is already active."
			break
		}
		plan, err := s.plans.CreatePlan(ctx, tc.Session.ID)
		if err != nil {
			text = "Could not start plan mode."
			break
		}
		tc.PlanID = plan.ID
		text = "Plan mode enabled. Describe what you would like to plan."

	case planmode.CommandApprove:
		plan, err := s.plans.ActivePlan(ctx, tc.Session.ID)
		if err != nil {
			text = "There is no plan waiting for approval."
			break
		}
		if _, err := s.plans.Approve(ctx, plan.ID); err != nil {
			text = "That plan cannot be approved from its current state."
			break
		}
		tc.PlanID = plan.ID
		s.bus.PlanReady(ctx, tc.Session.ID, plan.ID)
		text = "Plan approved. Execution unlocked."

	case planmode.CommandPlanOff:
		if plan, err := s.plans.ActivePlan(ctx, tc.Session.ID); err == nil {
			s.plans.Cancel(ctx, plan.ID)
		}
		tc.PlanID = ""
		text = "Plan mode disabled."
	}

	return outgoing.Response{Text: &text}, true
}

func recentUserTexts(history []*models.Message, n int) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == models.RoleUser {
			out = append([]string{history[i].Content}, out...)
		}
	}
	return out
}

