package outbound

import (
	"context"

	"github.com/haasonsaas/nexus/internal/outgoing"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Sender delivers one piece of a prepared response to a channel. Each method
// corresponds to one Router step; implementations live alongside the
// concrete channel adapters (email, WhatsApp, Slack, ...).
type Sender interface {
	SendText(ctx context.Context, channel, to, text string) (*DeliveryResult, error)
	SendVoice(ctx context.Context, channel, to, voiceText string) (*DeliveryResult, error)
	SendAttachment(ctx context.Context, channel, to string, attachment models.Attachment) (*DeliveryResult, error)
}

// StepName identifies one Router step, in the fixed order the Router always
// attempts them.
type StepName string

const (
	StepText       StepName = "text"
	StepVoice      StepName = "voice"
	StepAttachment StepName = "attachment"
)

// StepOutcome records what happened attempting one step.
type StepOutcome struct {
	Step     StepName
	Sent     bool
	Err      error
	Delivery *DeliveryResult
}

// RoutingOutcome is the full best-effort record for one prepared response: a
// failure in one step never undoes or skips a later one.
type RoutingOutcome struct {
	Steps []StepOutcome
}

// Failed reports whether every attempted step failed.
func (o RoutingOutcome) Failed() bool {
	if len(o.Steps) == 0 {
		return false
	}
	for _, s := range o.Steps {
		if s.Sent {
			return false
		}
	}
	return true
}

// Route sends a prepared response through sender, strictly in text, voice,
// attachment order. It never reads legacy attribute shapes — its only input
// is the already-prepared outgoing.Response — and it is best-effort: a
// failed step is recorded and routing continues to the next one.
func Route(ctx context.Context, sender Sender, channel, to string, resp outgoing.Response) RoutingOutcome {
	var out RoutingOutcome

	text := resp.Text
	if resp.Error != nil {
		text = resp.Error
	}
	if text != nil {
		delivery, err := sender.SendText(ctx, channel, to, *text)
		out.Steps = append(out.Steps, StepOutcome{Step: StepText, Sent: err == nil, Err: err, Delivery: delivery})
	}

	if resp.VoiceRequested && resp.VoiceText != nil {
		delivery, err := sender.SendVoice(ctx, channel, to, *resp.VoiceText)
		out.Steps = append(out.Steps, StepOutcome{Step: StepVoice, Sent: err == nil, Err: err, Delivery: delivery})
	}

	for _, a := range resp.Attachments {
		delivery, err := sender.SendAttachment(ctx, channel, to, a)
		out.Steps = append(out.Steps, StepOutcome{Step: StepAttachment, Sent: err == nil, Err: err, Delivery: delivery})
	}

	return out
}
