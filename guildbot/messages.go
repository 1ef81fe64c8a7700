package guildbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordMessage is a record of a message seen in the guild, kept for
// moderation and XP bookkeeping.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String(columnUserID, m.UserID),
		slog.String(columnUserUsername, m.Username),
	)
}

// handleDiscordMessage processes a gateway message: it awards message
// XP, forwards monitored messages, and persists messages that mention
// the bot.
func (b *GuildBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if user.Bot || user.ID == b.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", "user", user)
		return
	}

	b.awardMessageXP(ctx, m)

	config := b.RuntimeConfig()
	if config.MonitorChannelID != "" &&
		m.ChannelID == config.MonitorChannelID &&
		config.DiscordNotificationChannelID != "" &&
		config.DiscordNotificationChannelID != config.MonitorChannelID {
		b.forwardMonitoredMessage(ctx, m, config.DiscordNotificationChannelID)
	}

	if !m.MentionEveryone && messageMentionsUser(
		m.Message,
		b.config.Discord.ApplicationID,
	) {
		dm := NewDiscordMessage(m.Message)
		if _, err := b.writeDB.Create(ctx, &dm); err != nil {
			logger.ErrorContext(ctx, "error saving discord message", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "saved mention", "message", dm)
		}
	}
}

// forwardMonitoredMessage reports a monitored-channel message to the
// notification channel.
func (b *GuildBot) forwardMonitoredMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	notifyChannelID string,
) {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	username := "unknown"
	if user != nil {
		username = user.Username
	}
	content := fmt.Sprintf(
		"[<#%s>] **%s**: %s",
		m.ChannelID,
		username,
		m.Content,
	)
	if err := b.discord.channelMessageSend(
		notifyChannelID,
		truncate(content, discordMaxMessageLength),
	); err != nil {
		ContextLogger(ctx).ErrorContext(
			ctx,
			"error forwarding monitored message",
			tint.Err(err),
		)
	}
}

func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	if len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}
