package guildbot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

var (
	columnUserID           = "user_id"
	columnUserIgnored      = "ignored"
	columnUserUsername     = "username"
	columnUserGlobalName   = "global_name"
	columnUserLastSeen     = "last_seen"
	columnUserXP           = "xp"
	columnUserLevel        = "level"
	columnUserLastWorkAt   = "last_work_at"
	columnUserLastXPAt     = "last_xp_at"
	columnUserWorkCooldown = "work_cooldown"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots cannot hold
	// currency and are ignored by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are bot-specific
	//

	// If true, commands from this user will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// XP accumulated from guild activity
	XP int64 `json:"xp" gorm:"column:xp;default:0"`

	// Level derived from XP
	Level int `json:"level" gorm:"column:level;default:0"`

	// LastXPAt is the last time this user was awarded message XP
	// (Unix milliseconds)
	LastXPAt int64 `json:"last_xp_at" gorm:"column:last_xp_at"`

	// LastWorkAt is the last time this user ran /work (Unix milliseconds)
	LastWorkAt int64 `json:"last_work_at" gorm:"column:last_work_at"`

	// WorkCooldown is this user's /work cooldown, copied from the runtime
	// config when the user record is created
	WorkCooldown Duration `json:"work_cooldown" gorm:"column:work_cooldown"`

	// LastSeen is the last time this user was seen in a Discord interaction
	// (whether it was from a slash command, clicking a button, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// limiter throttles how fast this user can run commands
	limiter *rate.Limiter `gorm:"-" json:"-"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	content, _ := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
		slog.Int64("xp", u.XP),
		slog.Int("level", u.Level),
	)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed (true) or not (false). This helps avoid 'drift'
// if the user updates their Discord profile.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// allowCommand reports whether this user is within their per-minute
// command budget. The limiter is created lazily so cached records loaded
// from the database pick one up on first use.
func (u *User) allowCommand(perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	if u.limiter == nil {
		u.limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(perMinute)),
			perMinute,
		)
	}
	return u.limiter.Allow()
}

// workAvailableAt returns the earliest time this user may run /work
// again. The zero time means it has never been run.
func (u *User) workAvailableAt() time.Time {
	if u.LastWorkAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(u.LastWorkAt).Add(u.WorkCooldown.Duration)
}

// xpNeededForLevel returns the XP required to advance from the given
// level to the next one.
func xpNeededForLevel(level int) int64 {
	l := int64(level)
	return 5*l*l + 50*l + 100
}

// levelForXP computes the level a user with the given total XP should be.
func levelForXP(xp int64) int {
	level := 0
	remaining := xp
	for remaining >= xpNeededForLevel(level) {
		remaining -= xpNeededForLevel(level)
		level++
	}
	return level
}

// xpIntoLevel returns how far into their current level a user with the
// given total XP is, and the size of the current level.
func xpIntoLevel(xp int64) (progress int64, needed int64) {
	level := 0
	remaining := xp
	for remaining >= xpNeededForLevel(level) {
		remaining -= xpNeededForLevel(level)
		level++
	}
	return remaining, xpNeededForLevel(level)
}
