package notify

import (
	"context"
	"log/slog"

	cgErrors "github.com/harunnryd/callgate/internal/errors"

	"github.com/slack-go/slack"
)

type SlackSink struct {
	client  *slack.Client
	channel string
}

func NewSlackSink(botToken, channel string, opts ...slack.Option) *SlackSink {
	return &SlackSink{client: slack.New(botToken, opts...), channel: channel}
}

func (s *SlackSink) Name() string {
	return "slack"
}

func (s *SlackSink) Send(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return cgErrors.Wrap(err, "failed to send Slack message")
	}
	slog.Debug("Slack message sent", "channel", s.channel)
	return nil
}
