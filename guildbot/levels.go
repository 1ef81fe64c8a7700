package guildbot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// levelCommand handles `/level`, reporting level and XP progress for
// the caller or the named member.
func (b *GuildBot) levelCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	target := u

	options := discordInteractionOptions(i)
	if opt, ok := options[currencyOptionUser]; ok {
		targetUser := opt.UserValue(nil)
		if targetUser == nil {
			return "", newValidationError("no user found for that option")
		}
		if targetUser.ID != u.ID {
			other, _, err := b.GetOrCreateUser(ctx, *targetUser)
			if err != nil {
				return "", err
			}
			target = other
		}
	}

	progress, needed := xpIntoLevel(target.XP)
	return fmt.Sprintf(
		"<@%s> is level **%d** (%d/%d XP to the next level)",
		target.ID,
		target.Level,
		progress,
		needed,
	), nil
}

// awardMessageXP grants message XP to the author if their XP cooldown
// has elapsed, and announces a level-up when the award crosses a level
// boundary.
func (b *GuildBot) awardMessageXP(ctx context.Context, m *discordgo.MessageCreate) {
	config := b.RuntimeConfig()
	if config.XPPerMessage <= 0 {
		return
	}

	logger := ContextLogger(ctx)

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author == nil {
		return
	}

	u, _, err := b.GetOrCreateUser(ctx, *author)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user for xp award", tint.Err(err))
		return
	}
	if u.Ignored {
		return
	}

	now := time.Now()
	if u.LastXPAt > 0 {
		elapsed := now.Sub(time.UnixMilli(u.LastXPAt))
		if elapsed < config.XPCooldown.Duration {
			return
		}
	}

	previousLevel := u.Level
	u.XP += config.XPPerMessage
	u.Level = levelForXP(u.XP)
	u.LastXPAt = now.UnixMilli()

	if _, err = b.writeDB.Updates(
		ctx, u, map[string]any{
			columnUserXP:       u.XP,
			columnUserLevel:    u.Level,
			columnUserLastXPAt: u.LastXPAt,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving xp award", tint.Err(err))
		return
	}

	if u.Level > previousLevel {
		b.announceLevelUp(ctx, u, m.ChannelID)
	}
}

func (b *GuildBot) announceLevelUp(ctx context.Context, u *User, sourceChannelID string) {
	config := b.RuntimeConfig()
	channelID := config.LevelUpChannelID
	if channelID == "" {
		channelID = sourceChannelID
	}
	if channelID == "" {
		return
	}
	content := fmt.Sprintf(
		"GG <@%s>, you just advanced to level **%d**!",
		u.ID,
		u.Level,
	)
	if err := b.discord.channelMessageSend(channelID, content); err != nil {
		ContextLogger(ctx).ErrorContext(
			ctx,
			"error announcing level up",
			tint.Err(err),
		)
	}
}
