package toolloop

import "github.com/haasonsaas/nexus/internal/agent"

// lastModelKey is the session metadata key AttachLastModel/flattenForModelSwitch
// use to remember which model produced the most recent turn's history.
const lastModelKey = "last_model"

// flattenForModelSwitch rewrites tool-call and tool-result messages into
// plain assistant/user text messages when the model generating this turn
// differs from the one that produced the existing history. Providers are
// not required to accept another provider's tool-call encoding played back
// to them, so a model switch degrades structured turns to their text
// content instead of replaying calls the new model never made.
func flattenForModelSwitch(messages []agent.CompletionMessage, previousModel, currentModel string) []agent.CompletionMessage {
	if previousModel == "" || currentModel == "" || previousModel == currentModel {
		return messages
	}

	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
			out = append(out, m)
			continue
		}
		flattened := agent.CompletionMessage{
			Role:    m.Role,
			Content: flattenContent(m),
		}
		if flattened.Content == "" {
			continue
		}
		out = append(out, flattened)
	}
	return out
}

func flattenContent(m agent.CompletionMessage) string {
	content := m.Content
	for _, tc := range m.ToolCalls {
		if content != "" {
			content += "\n"
		}
		content += "[called tool " + tc.Name + "]"
	}
	for _, tr := range m.ToolResults {
		if content != "" {
			content += "\n"
		}
		content += "[tool " + tr.ToolName + " result]"
		if tr.Content != "" {
			content += " " + tr.Content
		}
	}
	return content
}
