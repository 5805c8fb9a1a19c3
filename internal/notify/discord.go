package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/mkelholt/squadbid/internal/config"
)

// Discord posts notifications to a single Discord channel.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

// NewDiscord opens a Discord session for the configured channel.
func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord session: %w", err)
	}
	return &Discord{
		session:   session,
		channelID: cfg.ChannelID,
		logger:    logger,
	}, nil
}

// Notify sends the message to the configured channel.
func (d *Discord) Notify(ctx context.Context, message string) error {
	if _, err := d.session.ChannelMessageSend(d.channelID, message); err != nil {
		d.logger.ErrorContext(ctx, "discord notification failed", slog.Any("error", err))
		return fmt.Errorf("sending discord message: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (d *Discord) Close() error {
	return d.session.Close()
}
