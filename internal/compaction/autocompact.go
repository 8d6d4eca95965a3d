package compaction

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexus/pkg/models"
)

// tokensPerChar estimates tokens from character count; this implementation
// uses 3.5 chars/token rather than the package's own CharsPerToken=4 used by
// EstimateTokens above, matching a more conservative (higher token) estimate
// for the overflow trigger so Auto-Compaction fires a little earlier than
// the chunking heuristics do.
const tokensPerChar = 3.5

// DefaultKeepLastMessages is how many of the most recent messages
// Auto-Compaction always leaves untouched, regardless of how much it must
// summarize ahead of them.
const DefaultKeepLastMessages = 5

// AutoCompactConfig configures when and how Auto-Compaction runs.
type AutoCompactConfig struct {
	// MaxContextTokens is the threshold above which compaction triggers.
	MaxContextTokens int

	// KeepLastMessages is how many trailing messages are preserved verbatim.
	KeepLastMessages int

	SummarizationConfig *SummarizationConfig
}

// DefaultAutoCompactConfig returns thresholds sized for a 100k-token context
// window, matching compaction.go's DefaultContextWindow.
func DefaultAutoCompactConfig() AutoCompactConfig {
	return AutoCompactConfig{
		MaxContextTokens:    DefaultContextWindow,
		KeepLastMessages:    DefaultKeepLastMessages,
		SummarizationConfig: DefaultSummarizationConfig(),
	}
}

// EstimateMessageTokens estimates one message's token count using the
// 3.5 chars/token ratio.
func EstimateMessageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return int((float64(chars) + tokensPerChar - 1) / tokensPerChar)
}

func estimateTotalTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return total
}

// AutoCompactor wraps SummarizeWithFallback to replace a session's history
// prefix with a single summary message once it crosses a token threshold,
// synchronizing the compacted result back into both the Turn Context's
// working list and the session store.
type AutoCompactor struct {
	summarizer Summarizer
	config     AutoCompactConfig
}

// NewAutoCompactor builds an AutoCompactor. A zero-value config.MaxContextTokens
// falls back to DefaultAutoCompactConfig's values.
func NewAutoCompactor(summarizer Summarizer, config AutoCompactConfig) *AutoCompactor {
	if config.MaxContextTokens <= 0 {
		defaults := DefaultAutoCompactConfig()
		config.MaxContextTokens = defaults.MaxContextTokens
	}
	if config.KeepLastMessages <= 0 {
		config.KeepLastMessages = DefaultKeepLastMessages
	}
	if config.SummarizationConfig == nil {
		config.SummarizationConfig = DefaultSummarizationConfig()
	}
	return &AutoCompactor{summarizer: summarizer, config: config}
}

// summaryMessage is the literal prefix compacted history is replaced with.
const summaryMessagePrefix = "[Conversation summary]\n"

// CompactIfNeeded checks whether messages exceeds the configured token
// threshold and, if so, replaces every message but the last KeepLastMessages
// with one system message carrying the summary. It is idempotent: when the
// estimate is already under threshold, messages is returned unchanged.
func (a *AutoCompactor) CompactIfNeeded(ctx context.Context, messages []*models.Message) ([]*models.Message, bool, error) {
	if estimateTotalTokens(messages) <= a.config.MaxContextTokens {
		return messages, false, nil
	}

	keep := a.config.KeepLastMessages
	if keep > len(messages) {
		keep = len(messages)
	}
	toSummarize := messages[:len(messages)-keep]
	tail := messages[len(messages)-keep:]

	if len(toSummarize) == 0 {
		return messages, false, nil
	}

	compactionMsgs := toCompactionMessages(toSummarize)
	summary, err := SummarizeWithFallback(ctx, compactionMsgs, a.summarizer, a.config.SummarizationConfig)
	if err != nil {
		return nil, false, fmt.Errorf("autocompact: summarize: %w", err)
	}

	summaryMsg := &models.Message{
		Role:    models.RoleSystem,
		Content: summaryMessagePrefix + summary,
	}

	compacted := make([]*models.Message, 0, len(tail)+1)
	compacted = append(compacted, summaryMsg)
	compacted = append(compacted, tail...)
	return compacted, true, nil
}

func toCompactionMessages(messages []*models.Message) []*Message {
	out := make([]*Message, len(messages))
	for i, m := range messages {
		out[i] = &Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        m.ID,
		}
	}
	return out
}
