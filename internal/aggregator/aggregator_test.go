package aggregator

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func userMsg(content string, at time.Time) *models.Message {
	return &models.Message{Role: models.RoleUser, Content: content, CreatedAt: at}
}

func TestAggregate_StandaloneMessage(t *testing.T) {
	now := time.Now()
	history := []*models.Message{
		userMsg("What's the weather like in Tokyo today?", now),
	}
	result := Aggregate(history)
	if result.Analysis.Fragmented {
		t.Error("single message should never be fragmented")
	}
	if result.Query != history[0].Content {
		t.Errorf("Query = %q, want unchanged content", result.Query)
	}
}

func TestAggregate_FragmentedBurst(t *testing.T) {
	base := time.Now()
	history := []*models.Message{
		userMsg("can you help me write a function that parses CSV files:", base),
		userMsg("and handles quoted commas", base.Add(2 * time.Second)),
	}
	result := Aggregate(history)
	if !result.Analysis.Fragmented {
		t.Fatalf("expected fragmentation, signals=%v", result.Analysis.Signals)
	}
	want := "can you help me write a function that parses CSV files: and handles quoted commas"
	if result.Query != want {
		t.Errorf("Query = %q, want %q", result.Query, want)
	}
}

func TestAggregate_NotFragmentedWhenFarApart(t *testing.T) {
	base := time.Now()
	history := []*models.Message{
		userMsg("tell me about Go channels", base),
		userMsg("it", base.Add(10 * time.Minute)),
	}
	result := Aggregate(history)
	if result.Analysis.Fragmented {
		t.Errorf("messages 10 minutes apart should not aggregate, signals=%v", result.Analysis.Signals)
	}
}

func TestAggregate_OnlyConsidersLastFive(t *testing.T) {
	base := time.Now()
	var history []*models.Message
	for i := 0; i < 8; i++ {
		history = append(history, userMsg("message", base.Add(time.Duration(i)*time.Second)))
	}
	result := Aggregate(history)
	if result.Analysis.Considered != windowSize {
		t.Errorf("Considered = %d, want %d", result.Analysis.Considered, windowSize)
	}
}
