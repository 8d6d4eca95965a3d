// Package outgoing implements the Outgoing Response Preparer (C11): the
// stage that turns whatever the Tool Loop left in the Turn Context into the
// one Response value the Router sends back out.
package outgoing

import (
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Response is the prepared payload for one turn. At most one of Text or
// Error is meaningful to a Router that only knows how to send text; Voice
// and Attachments are additive.
type Response struct {
	Text          *string
	VoiceRequested bool
	VoiceText     *string
	Attachments   []models.Attachment
	Error         *string
}

// FromMessages aggregates the attachments carried by messages appended to
// the turn, in order, for Prepare to attach to the final answer. Attachments
// live on models.Message, not models.ToolResult, so this walks the working
// history rather than the flat tool-result list.
func FromMessages(messages []*models.Message) []models.Attachment {
	var out []models.Attachment
	for _, m := range messages {
		out = append(out, m.Attachments...)
	}
	return out
}

// Prepare implements the precedence rules: a response an earlier stage
// already placed in the Turn Context wins outright; otherwise a classified
// LLM error becomes a text-only error response; otherwise the final
// assistant text plus the attachments collected from the turn's messages.
func Prepare(tc *turn.Context) Response {
	if v, ok := tc.Get(turn.AttrOutgoingResponse); ok {
		if resp, ok := v.(Response); ok {
			return resp
		}
	}

	if v, ok := tc.Get(turn.AttrLLMError); ok {
		if cls, ok := v.(*turn.ClassifiedError); ok && cls != nil {
			msg := cls.Message
			if msg == "" {
				msg = cls.Error()
			}
			return Response{Error: &msg}
		}
		if errStr, ok := v.(string); ok && errStr != "" {
			return Response{Error: &errStr}
		}
	}

	text := tc.GetString(turn.AttrLLMResponse)
	resp := Response{Text: &text}
	if attachments := FromMessages(tc.Working); len(attachments) > 0 {
		resp.Attachments = attachments
	}
	return resp
}

// WithVoice requests voice synthesis of voiceText in addition to the
// prepared text response. Used by skills that want spoken output without
// overriding the written transcript.
func (r Response) WithVoice(voiceText string) Response {
	r.VoiceRequested = true
	r.VoiceText = &voiceText
	return r
}
