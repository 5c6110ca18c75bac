package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts events to a Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a Slack sink. opts are passed to slack.New, which
// lets tests point the client at a local server.
func NewSlackSink(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Publish(ctx context.Context, ev Event) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(ev.Text(), false),
		slack.MsgOptionUsername("teamexec"),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func (s *SlackSink) Close() error { return nil }
