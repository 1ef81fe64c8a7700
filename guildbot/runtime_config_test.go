package guildbot

import (
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	config := DefaultRuntimeConfig()

	assert.False(t, config.Paused)
	assert.True(t, config.DiscordGatewayEnabled)
	assert.Equal(t, DefaultTransferCap, config.TransferCap)
	assert.Equal(t, DefaultBulkGrantCap, config.BulkGrantCap)
	assert.Equal(t, DefaultInitialBalance, config.InitialBalance)
	assert.Equal(t, DefaultWorkMinReward, config.WorkMinReward)
	assert.Equal(t, DefaultWorkMaxReward, config.WorkMaxReward)
	assert.Equal(t, time.Hour, config.WorkCooldown.Duration)
	assert.Equal(t, DefaultXPPerMessage, config.XPPerMessage)
	assert.Equal(t, time.Minute, config.XPCooldown.Duration)
	assert.Equal(t, DefaultUserCommandsPerMinute, config.UserCommandsPerMinute)
	assert.Equal(t, DBLogLevelInfo, config.LogLevel)
	assert.Equal(t, DBLogLevelWarn, config.DatabaseLogLevel)
}

func TestRuntimeConfigUpdateValidate(t *testing.T) {
	t.Parallel()

	transferCap := int64(500)
	perMinute := 5
	update := RuntimeConfigUpdate{
		TransferCap:           &transferCap,
		UserCommandsPerMinute: &perMinute,
	}
	require.NoError(t, update.validate())

	badCap := int64(-1)
	err := RuntimeConfigUpdate{TransferCap: &badCap}.validate()
	require.Error(t, err)

	zeroGrant := int64(0)
	err = RuntimeConfigUpdate{BulkGrantCap: &zeroGrant}.validate()
	require.Error(t, err)

	zeroCommands := 0
	err = RuntimeConfigUpdate{UserCommandsPerMinute: &zeroCommands}.validate()
	require.Error(t, err)

	badLevel := DBLogLevel("LOUD")
	err = RuntimeConfigUpdate{LogLevel: &badLevel}.validate()
	require.Error(t, err)
}

func TestValidateRuntimeUpdateLimits(t *testing.T) {
	t.Parallel()

	minReward := int64(100)
	maxReward := int64(50)
	rv := validateRuntimeUpdateLimits(
		reflect.ValueOf(
			RuntimeConfigUpdate{
				WorkMinReward: &minReward,
				WorkMaxReward: &maxReward,
			},
		),
	)
	err, ok := rv.(error)
	require.True(t, ok, "expected an error, got: %#v", rv)
	assert.Contains(t, err.Error(), "work_max_reward")

	shortCooldown := Duration{100 * time.Millisecond}
	rv = validateRuntimeUpdateLimits(
		reflect.ValueOf(RuntimeConfigUpdate{WorkCooldown: &shortCooldown}),
	)
	err, ok = rv.(error)
	require.True(t, ok, "expected an error, got: %#v", rv)
	assert.Contains(t, err.Error(), "work_cooldown")

	rv = validateRuntimeUpdateLimits(
		reflect.ValueOf(RuntimeConfigUpdate{XPCooldown: &shortCooldown}),
	)
	err, ok = rv.(error)
	require.True(t, ok, "expected an error, got: %#v", rv)
	assert.Contains(t, err.Error(), "xp_cooldown")

	okMax := int64(500)
	okCooldown := Duration{5 * time.Minute}
	rv = validateRuntimeUpdateLimits(
		reflect.ValueOf(
			RuntimeConfigUpdate{
				WorkMinReward: &minReward,
				WorkMaxReward: &okMax,
				WorkCooldown:  &okCooldown,
				XPCooldown:    &okCooldown,
			},
		),
	)
	assert.Nil(t, rv)
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()

	paused := getDiscordPresenceStatusUpdate(RuntimeConfig{Paused: true})
	assert.True(t, paused.AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), paused.Status)

	running := getDiscordPresenceStatusUpdate(
		RuntimeConfig{DiscordCustomStatus: "counting coins"},
	)
	assert.False(t, running.AFK)
	assert.Equal(t, "counting coins", running.Status)
}
