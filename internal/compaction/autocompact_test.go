package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

type stubSummarizer struct {
	summary string
}

func (s *stubSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	return s.summary, nil
}

func bigMessage(role models.Role, n int) *models.Message {
	return &models.Message{Role: role, Content: strings.Repeat("x", n)}
}

func TestCompactIfNeeded_BelowThresholdIsNoop(t *testing.T) {
	a := NewAutoCompactor(&stubSummarizer{summary: "s"}, AutoCompactConfig{MaxContextTokens: 1000})
	messages := []*models.Message{bigMessage(models.RoleUser, 10)}

	out, compacted, err := a.CompactIfNeeded(context.Background(), messages)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if compacted {
		t.Fatal("expected no compaction below threshold")
	}
	if len(out) != 1 {
		t.Fatalf("expected messages unchanged, got %d", len(out))
	}
}

func TestCompactIfNeeded_AboveThresholdReplacesPrefix(t *testing.T) {
	a := NewAutoCompactor(&stubSummarizer{summary: "the conversation so far"}, AutoCompactConfig{
		MaxContextTokens: 10,
		KeepLastMessages: 2,
	})

	var messages []*models.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, bigMessage(models.RoleUser, 50))
	}
	tailMarker := &models.Message{Role: models.RoleUser, Content: "keep-me-1"}
	tailMarker2 := &models.Message{Role: models.RoleAssistant, Content: "keep-me-2"}
	messages = append(messages, tailMarker, tailMarker2)

	out, compacted, err := a.CompactIfNeeded(context.Background(), messages)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction above threshold")
	}
	if len(out) != 3 {
		t.Fatalf("expected summary + 2 kept messages, got %d", len(out))
	}
	if out[0].Role != models.RoleSystem || !strings.HasPrefix(out[0].Content, "[Conversation summary]\n") {
		t.Fatalf("unexpected summary message: %+v", out[0])
	}
	if out[1].Content != "keep-me-1" || out[2].Content != "keep-me-2" {
		t.Fatalf("tail messages not preserved in order: %+v", out[1:])
	}
}

func TestEstimateMessageTokens_UsesPointThreeFiveDivisor(t *testing.T) {
	m := &models.Message{Content: strings.Repeat("a", 7)}
	got := EstimateMessageTokens(m)
	if got != 2 {
		t.Fatalf("EstimateMessageTokens(7 chars) = %d, want 2 (ceil(7/3.5))", got)
	}
}

func TestCompactIfNeeded_KeepLastExceedsLengthKeepsAll(t *testing.T) {
	a := NewAutoCompactor(&stubSummarizer{summary: "s"}, AutoCompactConfig{MaxContextTokens: 1, KeepLastMessages: 10})
	messages := []*models.Message{bigMessage(models.RoleUser, 5)}

	out, compacted, err := a.CompactIfNeeded(context.Background(), messages)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if compacted {
		t.Fatal("expected no-op when everything fits in keep window")
	}
	if len(out) != 1 {
		t.Fatalf("expected original messages returned, got %d", len(out))
	}
}
