// Package historywriter is the sole path by which a turn mutates session
// history. It replaces the append closures that used to live inline in the
// agentic loop (persistAssistantMessage, persistToolMessage, and friends in
// agent/loop.go) with three named operations, so every caller appends
// messages the same way and stamps them the same way.
package historywriter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Clock returns the current time; tests substitute a fixed clock so
// assertions on CreatedAt are deterministic.
type Clock func() time.Time

// Writer appends turn-produced messages to both the Turn Context's working
// list and the durable session store, in that order, so a store failure
// never leaves Working ahead of what was actually persisted.
type Writer struct {
	store sessions.Store
	clock Clock
}

// New wraps store. If clock is nil, time.Now is used.
func New(store sessions.Store, clock Clock) *Writer {
	if clock == nil {
		clock = time.Now
	}
	return &Writer{store: store, clock: clock}
}

// AppendAssistantToolCalls records the assistant's tool-call message for one
// iteration of the Tool Loop and returns its id, used to correlate tool
// results that follow.
func (w *Writer) AppendAssistantToolCalls(ctx context.Context, tc *turn.Context, text string, calls []models.ToolCall) (string, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: tc.Session.ID,
		Channel:   tc.Session.Channel,
		ChannelID: tc.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
		CreatedAt: w.clock(),
	}
	if err := w.append(ctx, tc, msg); err != nil {
		return "", fmt.Errorf("historywriter: append assistant tool calls: %w", err)
	}
	return msg.ID, nil
}

// AppendToolResult records one tool result message. Call once per call
// in the assistant message's original order so history replays
// deterministically.
func (w *Writer) AppendToolResult(ctx context.Context, tc *turn.Context, result models.ToolResult) error {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   tc.Session.ID,
		Channel:     tc.Session.Channel,
		ChannelID:   tc.ChannelID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{result},
		CreatedAt:   w.clock(),
	}
	if err := w.append(ctx, tc, msg); err != nil {
		return fmt.Errorf("historywriter: append tool result: %w", err)
	}
	return nil
}

// AppendFinalAssistantAnswer records the turn's terminal assistant message —
// the one the Outgoing Response Preparer will read back out of Working.
func (w *Writer) AppendFinalAssistantAnswer(ctx context.Context, tc *turn.Context, text string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: tc.Session.ID,
		Channel:   tc.Session.Channel,
		ChannelID: tc.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: w.clock(),
	}
	if err := w.append(ctx, tc, msg); err != nil {
		return nil, fmt.Errorf("historywriter: append final answer: %w", err)
	}
	return msg, nil
}

func (w *Writer) append(ctx context.Context, tc *turn.Context, msg *models.Message) error {
	tc.Working = append(tc.Working, msg)
	if w.store == nil {
		return nil
	}
	return w.store.AppendMessage(ctx, tc.Session.ID, msg)
}
