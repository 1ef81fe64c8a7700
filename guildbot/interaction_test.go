package guildbot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInteractionLog(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Context:   discordgo.InteractionContextGuild,
		},
	}
	u := &discordgo.User{
		ID:       "user-1",
		Username: "alice",
	}

	interactionLog, err := newInteractionLog(i, u)
	require.NoError(t, err)

	assert.Equal(t, "interaction-1", interactionLog.InteractionID)
	assert.Equal(
		t,
		discordgo.InteractionApplicationCommand.String(),
		interactionLog.Type,
	)
	assert.Equal(t, "user-1", interactionLog.UserID)
	assert.Equal(t, "guild-1", interactionLog.GuildID)
	assert.Equal(t, "chan-1", interactionLog.ChannelID)
	assert.Equal(t, "0", interactionLog.Context)
	assert.NotEmpty(t, interactionLog.Payload)
}
