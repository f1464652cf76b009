// Package notify pings a human when a plan needs attention. Notification
// failures never affect the turn outcome.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// Notifier sends user-attention pings to a Slack channel. A nil Notifier is
// valid and does nothing, so wiring stays unconditional.
type Notifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a notifier. token is the Bot User OAuth Token (xoxb-...).
func NewSlack(token, channel string, logger *zap.Logger) *Notifier {
	return &Notifier{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

// UserAttention announces that a plan is blocked on human action.
func (n *Notifier) UserAttention(ctx context.Context, p *plan.Plan, stepOrder int, message string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":rotating_light: Plan %q needs human action at step %d: %s",
		p.Title, stepOrder, message)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Warn("attention notification failed",
			zap.String("plan", p.ID.String()),
			zap.Error(err))
	}
}
