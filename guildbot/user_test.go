package guildbot

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestNewUser(t *testing.T) {
	t.Parallel()

	u := NewUser(
		discordgo.User{
			ID:         "123",
			Username:   "alice",
			GlobalName: "Alice",
		},
	)
	assert.Equal(t, "123", u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "Alice", u.GlobalName)
	assert.False(t, u.Bot)
	assert.False(t, u.Ignored)
	assert.NotZero(t, u.LastSeen)

	// bot accounts are ignored from the start
	bot := NewUser(discordgo.User{ID: "456", Username: "botto", Bot: true})
	assert.True(t, bot.Bot)
	assert.True(t, bot.Ignored)
}

func TestUserChangedDiscordUsername(t *testing.T) {
	t.Parallel()

	u := &User{ID: "123", Username: "alice", GlobalName: "Alice"}

	assert.False(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "alice", GlobalName: "Alice"},
		),
	)
	assert.True(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "alicia", GlobalName: "Alice"},
		),
	)
	assert.True(
		t,
		u.userChangedDiscordUsername(
			discordgo.User{Username: "alice", GlobalName: "Alicia"},
		),
	)
}

func TestXPNeededForLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(100), xpNeededForLevel(0))
	assert.Equal(t, int64(155), xpNeededForLevel(1))
	assert.Equal(t, int64(220), xpNeededForLevel(2))
	assert.Equal(t, int64(1100), xpNeededForLevel(10))
}

func TestLevelForXP(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, levelForXP(0))
	assert.Equal(t, 0, levelForXP(99))
	assert.Equal(t, 1, levelForXP(100))
	assert.Equal(t, 1, levelForXP(254))
	assert.Equal(t, 2, levelForXP(255))
	assert.Equal(t, 3, levelForXP(475))
}

func TestXPIntoLevel(t *testing.T) {
	t.Parallel()

	progress, needed := xpIntoLevel(0)
	assert.Equal(t, int64(0), progress)
	assert.Equal(t, int64(100), needed)

	progress, needed = xpIntoLevel(120)
	assert.Equal(t, int64(20), progress)
	assert.Equal(t, int64(155), needed)

	progress, needed = xpIntoLevel(255)
	assert.Equal(t, int64(0), progress)
	assert.Equal(t, int64(220), needed)
}

func TestUserAllowCommand(t *testing.T) {
	t.Parallel()

	u := &User{ID: "123"}

	// no limit configured
	for i := 0; i < 100; i++ {
		assert.True(t, u.allowCommand(0))
	}

	limited := &User{ID: "456"}
	allowed := 0
	for i := 0; i < 20; i++ {
		if limited.allowCommand(5) {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestUserWorkAvailableAt(t *testing.T) {
	t.Parallel()

	u := &User{ID: "123", WorkCooldown: Duration{Duration: time.Hour}}
	assert.True(t, u.workAvailableAt().IsZero())

	now := time.Now().UTC()
	u.LastWorkAt = now.UnixMilli()
	next := u.workAvailableAt()
	assert.WithinDuration(t, now.Add(time.Hour), next, time.Second)
}
