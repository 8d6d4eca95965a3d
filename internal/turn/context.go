// Package turn defines the per-turn orchestration primitives shared across
// the pipeline stages: the Turn Context attribute bag, error-kind tags, and
// the domain events published while a turn runs.
package turn

import (
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// AttrKey names a well-known slot in a Turn Context's attribute bag. The set
// is closed: stages communicate only through these keys, never through
// ad hoc map entries, so every producer/consumer pair is greppable.
type AttrKey string

const (
	AttrLLMResponse        AttrKey = "LLM_RESPONSE"
	AttrLLMError           AttrKey = "LLM_ERROR"
	AttrLLMToolCalls       AttrKey = "LLM_TOOLCALLS"
	AttrRoutingResult      AttrKey = "ROUTING_RESULT"
	AttrActiveSkill        AttrKey = "ACTIVE_SKILL"
	AttrModelTier          AttrKey = "MODEL_TIER"
	AttrOutgoingResponse   AttrKey = "OUTGOING_RESPONSE"
	AttrPlanApprovalNeeded AttrKey = "PLAN_APPROVAL_NEEDED"
	AttrLLMModel           AttrKey = "LLM_MODEL"
	AttrCurrentIteration   AttrKey = "CURRENT_ITERATION"
	AttrUsage              AttrKey = "USAGE"
)

// Usage accumulates the token counts consumed by every LLM call attempt
// within one turn, including attempts that were retried or discarded (an
// empty-response retry still spent tokens).
type Usage struct {
	InputTokens  int
	OutputTokens int
	Calls        int
}

// Context is the mutable record owned by a single in-flight turn. It is
// single-threaded by contract: the Scheduler never hands it to more than one
// goroutine at a time, and concurrent tool executions within one Tool Loop
// iteration mutate only their own outcome objects, merging into the Context
// only once all of them have returned.
type Context struct {
	TurnID    string
	Session   *models.Session
	ChannelID string
	SenderID  string

	// Working is the in-flight snapshot of the message history. It starts as
	// a copy of the session's persisted messages and is appended to as the
	// turn progresses; the History Writer is the only component that also
	// writes those appends back into the Session itself.
	Working []*models.Message

	// PlanID is the active plan's identifier, or empty when plan mode is
	// inactive for this session. The Turn Context never holds a plan value,
	// only its id — plans are owned by the Plan Registry.
	PlanID string

	StartedAt time.Time

	attrs map[AttrKey]any
	mu    sync.Mutex // guards attrs only; see package doc for the single-thread contract
}

// NewContext builds a Turn Context seeded with a copy of the session's
// current history so the working list can diverge freely during the turn.
func NewContext(turnID string, session *models.Session, history []*models.Message) *Context {
	working := make([]*models.Message, len(history))
	copy(working, history)
	return &Context{
		TurnID:    turnID,
		Session:   session,
		Working:   working,
		StartedAt: time.Now(),
		attrs:     make(map[AttrKey]any),
	}
}

// Set stores a value under a well-known key.
func (c *Context) Set(key AttrKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

// Get returns the raw value stored under a key and whether it was present.
func (c *Context) Get(key AttrKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Has reports whether key has been set, regardless of value.
func (c *Context) Has(key AttrKey) bool {
	_, ok := c.Get(key)
	return ok
}

// GetString returns the string stored under key, or "" if absent or of a
// different type.
func (c *Context) GetString(key AttrKey) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// AddUsage accumulates one LLM call attempt's token counts under AttrUsage.
// Safe to call once per attempt, including attempts a retry later discards.
func (c *Context) AddUsage(inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, _ := c.attrs[AttrUsage].(Usage)
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.Calls++
	c.attrs[AttrUsage] = u
}

// Clear removes a key, used by stages that supersede an earlier stage's
// tentative value (e.g. a retry clearing a previous LLM_ERROR).
func (c *Context) Clear(key AttrKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attrs, key)
}
