package toolloop

import "github.com/haasonsaas/nexus/internal/agent"

// emergencyMaxMessageChars computes the per-message character ceiling applied
// after a context-overflow error, before the one allowed retry.
func emergencyMaxMessageChars(maxInputTokens int) int {
	computed := int(float64(maxInputTokens) * 3.5 * 0.25)
	if computed < 10000 {
		return 10000
	}
	return computed
}

// emergencyTruncate clamps every message's content to maxChars, in place on
// a copy, preserving tool calls/results structure (only free text shrinks —
// truncating a tool call's JSON input risks an unparsable replay).
func emergencyTruncate(messages []agent.CompletionMessage, maxChars int) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(out[i].Content) > maxChars {
			out[i].Content = out[i].Content[:maxChars] + "…[truncated]"
		}
	}
	return out
}
