// Package planmode implements the Plan Mode Interceptor (C7): a
// deterministic state machine that intercepts tool calls into plan steps
// and drives plan approval/execution/revision through explicit tool
// signals, plus the Plan Registry that owns Plan values.
package planmode

import "time"

// Status is one of the plan's lifecycle states.
type Status string

const (
	StatusCollecting Status = "COLLECTING"
	StatusReady      Status = "READY"
	StatusExecuting  Status = "EXECUTING"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
	StatusSuperseded Status = "SUPERSEDED"
)

// terminal reports whether a plan in this status may never be mutated
// again.
func (s Status) terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Plan is the canonical plan document for one session. At most one plan
// per session is non-terminal at a time; Plan Registry enforces this.
type Plan struct {
	ID           string
	SessionID    string
	Status       Status
	Markdown     string
	Title        string
	ModelTier    string
	PredecessorID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// clone returns a value copy, so callers mutating a returned Plan never
// corrupt the Registry's own copy.
func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
