package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSink posts events to a Discord channel through the REST API. No
// gateway connection is opened.
type DiscordSink struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordSink creates a Discord sink for a bot token.
func NewDiscordSink(token, channel string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordSink{session: session, channel: channel, logger: logger}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Publish(ctx context.Context, ev Event) error {
	content := ev.Text()
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	if _, err := s.session.ChannelMessageSend(s.channel, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (s *DiscordSink) Close() error { return s.session.Close() }
