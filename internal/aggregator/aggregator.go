// Package aggregator detects fragmented user turns — a burst of short
// follow-up messages that together form one logical request — and folds
// them into a single routing query before the Skill Router sees them.
package aggregator

import (
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// windowSize is the number of most recent user messages considered.
const windowSize = 5

// fragmentWindow bounds how close in time two messages must be to count as
// the same burst.
const fragmentWindow = 60 * time.Second

// Signal names one of the six fragmentation heuristics, recorded in the
// Analysis for logging.
type Signal string

const (
	SignalShort            Signal = "short"
	SignalBackReference    Signal = "back_reference"
	SignalContinuationLead Signal = "continuation_marker"
	SignalLowercaseLead    Signal = "lowercase_lead"
	SignalDanglingPrior    Signal = "dangling_prior"
	SignalWithinWindow     Signal = "within_window"
)

// Analysis records why a message was or was not judged fragmented, for logs.
type Analysis struct {
	Fragmented bool
	Signals    []Signal
	Considered int
}

// Result is the aggregator's output: the routing query (aggregated or
// standalone) plus the analysis that produced it.
type Result struct {
	Query    string
	Analysis Analysis
}

var (
	backReferenceRe = regexp.MustCompile(`(?i)\b(it|that|this|those|them|he|she|they)\b`)
	continuationRe  = regexp.MustCompile(`(?i)^\s*(and|also|plus|oh|wait|but|so|actually)\b`)
	lowercaseLeadRe = regexp.MustCompile(`^[a-z]`)
	danglingEndRe   = regexp.MustCompile(`[:\-—]\s*$`)
)

// Aggregate inspects the most recent user messages in history (already in
// chronological order) and decides whether the latest one is a fragment of
// a larger request. If so, it concatenates from the earliest contiguous
// in-window user message with single-space separators; otherwise it returns
// the latest message's content unchanged.
func Aggregate(history []*models.Message) Result {
	userMsgs := lastUserMessages(history, windowSize)
	if len(userMsgs) == 0 {
		return Result{Query: "", Analysis: Analysis{Considered: 0}}
	}

	latest := userMsgs[len(userMsgs)-1]
	analysis := Analysis{Considered: len(userMsgs)}

	if len(userMsgs) == 1 {
		return Result{Query: latest.Content, Analysis: analysis}
	}

	prev := userMsgs[len(userMsgs)-2]
	signals := detectSignals(prev, latest)
	analysis.Signals = signals
	analysis.Fragmented = len(signals) >= 2

	if !analysis.Fragmented {
		return Result{Query: latest.Content, Analysis: analysis}
	}

	start := contiguousStart(userMsgs)
	parts := make([]string, 0, len(userMsgs)-start)
	for _, m := range userMsgs[start:] {
		parts = append(parts, strings.TrimSpace(m.Content))
	}
	return Result{Query: strings.Join(parts, " "), Analysis: analysis}
}

// detectSignals evaluates the six fragmentation signals for the transition
// from prev to latest.
func detectSignals(prev, latest *models.Message) []Signal {
	var signals []Signal

	if wordCount(latest.Content) < 4 {
		signals = append(signals, SignalShort)
	}
	if backReferenceRe.MatchString(latest.Content) {
		signals = append(signals, SignalBackReference)
	}
	if continuationRe.MatchString(latest.Content) {
		signals = append(signals, SignalContinuationLead)
	}
	if lowercaseLeadRe.MatchString(latest.Content) {
		signals = append(signals, SignalLowercaseLead)
	}
	if danglingEndRe.MatchString(prev.Content) {
		signals = append(signals, SignalDanglingPrior)
	}
	if !latest.CreatedAt.IsZero() && !prev.CreatedAt.IsZero() &&
		latest.CreatedAt.Sub(prev.CreatedAt) <= fragmentWindow {
		signals = append(signals, SignalWithinWindow)
	}

	return signals
}

// contiguousStart walks backward from the end of msgs to find the earliest
// message that is still part of the same fragmented burst as the latest
// one: each adjacent pair must itself satisfy >=2 signals.
func contiguousStart(msgs []*models.Message) int {
	start := len(msgs) - 1
	for start > 0 {
		signals := detectSignals(msgs[start-1], msgs[start])
		if len(signals) < 2 {
			break
		}
		start--
	}
	return start
}

func lastUserMessages(history []*models.Message, limit int) []*models.Message {
	var out []*models.Message
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if history[i].Role == models.RoleUser {
			out = append([]*models.Message{history[i]}, out...)
		}
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
