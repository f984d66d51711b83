package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts notifications to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink creates a Slack sink for the given webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

func (s *SlackSink) Name() string { return "slack" }

// Send posts the notification as a webhook message.
func (s *SlackSink) Send(ctx context.Context, n Notification) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", n.Title, n.Message),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	return nil
}
