package guildbot

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig stores settings that can be modified while the bot is
// running and persist across restarts. This is the 'live' application
// state, as opposed to [Config], which is fixed at startup.
//
// It covers pause state, Discord presence, ledger limits, work and
// leveling tuning, channel routing, and per-component log levels.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused. While
	// paused, slash commands are acknowledged but refused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID is the channel startup and
	// administrative notices are sent to, if set.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// CogApprovalChannelID is the channel notified when a new cog
	// submission is staged for review.
	CogApprovalChannelID string `json:"cog_approval_channel_id" gorm:"type:string"`

	// LevelUpChannelID is the channel level-up announcements are sent
	// to. If empty, announcements go to the channel the triggering
	// message was sent in.
	LevelUpChannelID string `json:"level_up_channel_id" gorm:"type:string"`

	// SteamDealsChannelID is the channel new Steam specials are
	// announced in. If empty, the deal poller stays idle.
	SteamDealsChannelID string `json:"steam_deals_channel_id" gorm:"type:string"`

	// MonitorChannelID is the channel monitored messages are forwarded
	// to. If empty, message monitoring is disabled.
	MonitorChannelID string `json:"monitor_channel_id" gorm:"type:string"`

	// RepoUpdateChannelID is the channel tracked-repository updates are
	// announced in.
	RepoUpdateChannelID string `json:"repo_update_channel_id" gorm:"type:string"`

	// TransferCap is the largest amount a single /pay transfer can
	// move. Zero disables the cap.
	TransferCap int64 `json:"transfer_cap" gorm:"default:1000000" binding:"min=0"`

	// BulkGrantCap is the largest per-member amount a bulk grant can
	// credit.
	BulkGrantCap int64 `json:"bulk_grant_cap" gorm:"default:100000" binding:"min=1"`

	// InitialBalance is the amount credited to members with no prior
	// balance, on join and during an init-all sweep.
	InitialBalance int64 `json:"initial_balance" gorm:"default:10000" binding:"min=0"`

	// WorkMinReward and WorkMaxReward bound the random /work payout.
	WorkMinReward int64 `json:"work_min_reward" gorm:"default:50" binding:"min=1"`
	WorkMaxReward int64 `json:"work_max_reward" gorm:"default:250" binding:"min=1,gtefield=WorkMinReward"`

	// WorkCooldown is the minimum interval between /work uses per user.
	WorkCooldown Duration `json:"work_cooldown" gorm:"default:3600000000000"`

	// XPPerMessage is the amount of XP awarded per qualifying message.
	XPPerMessage int64 `json:"xp_per_message" gorm:"default:15" binding:"min=0"`

	// XPCooldown is the minimum interval between XP awards per user.
	XPCooldown Duration `json:"xp_cooldown" gorm:"default:60000000000"`

	// UserCommandsPerMinute is the per-user slash command rate limit.
	UserCommandsPerMinute int `json:"user_commands_per_minute" gorm:"default:10" binding:"min=1"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// CogLogLevel is the logging level for cog loading and execution.
	CogLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:cog_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"cog_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Paused:                false,
		DiscordGatewayEnabled: true,
		TransferCap:           DefaultTransferCap,
		BulkGrantCap:          DefaultBulkGrantCap,
		InitialBalance:        DefaultInitialBalance,
		WorkMinReward:         DefaultWorkMinReward,
		WorkMaxReward:         DefaultWorkMaxReward,
		WorkCooldown:          Duration{DefaultWorkCooldown},
		XPPerMessage:          DefaultXPPerMessage,
		XPCooldown:            Duration{DefaultXPCooldown},
		UserCommandsPerMinute: DefaultUserCommandsPerMinute,
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelWarn,
		CogLogLevel:           DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the admin API payload for patching
// RuntimeConfig. Nil fields are left unchanged.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`
	CogApprovalChannelID         *string `json:"cog_approval_channel_id,omitempty"`
	LevelUpChannelID             *string `json:"level_up_channel_id,omitempty"`
	SteamDealsChannelID          *string `json:"steam_deals_channel_id,omitempty"`
	MonitorChannelID             *string `json:"monitor_channel_id,omitempty"`
	RepoUpdateChannelID          *string `json:"repo_update_channel_id,omitempty"`

	TransferCap    *int64 `json:"transfer_cap,omitempty" binding:"omitnil,min=0"`
	BulkGrantCap   *int64 `json:"bulk_grant_cap,omitempty" binding:"omitnil,min=1"`
	InitialBalance *int64 `json:"initial_balance,omitempty" binding:"omitnil,min=0"`

	WorkMinReward *int64    `json:"work_min_reward,omitempty" binding:"omitnil,min=1"`
	WorkMaxReward *int64    `json:"work_max_reward,omitempty" binding:"omitnil,min=1"`
	WorkCooldown  *Duration `json:"work_cooldown,omitempty"`

	XPPerMessage *int64    `json:"xp_per_message,omitempty" binding:"omitnil,min=0"`
	XPCooldown   *Duration `json:"xp_cooldown,omitempty"`

	UserCommandsPerMinute *int `json:"user_commands_per_minute,omitempty" binding:"omitnil,min=1"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	CogLogLevel       *DBLogLevel `json:"cog_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeUpdateLimits enforces constraints the binding tags
// can't express across fields.
func validateRuntimeUpdateLimits(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.WorkMinReward != nil && value.WorkMaxReward != nil &&
			*value.WorkMaxReward < *value.WorkMinReward {
			return fmt.Errorf("work_max_reward must be >= work_min_reward")
		}
		if value.WorkCooldown != nil && value.WorkCooldown.Duration < time.Second {
			return fmt.Errorf("work_cooldown must be at least 1s")
		}
		if value.XPCooldown != nil && value.XPCooldown.Duration < time.Second {
			return fmt.Errorf("xp_cooldown must be at least 1s")
		}
	}
	return nil
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
