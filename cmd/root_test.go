package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/ngongtopro/bot-discord/guildbot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

GB_DATABASE=/home/foo/guildbot.sqlite3
GB_DATABASE_TYPE=sqlite
GB_DATABASE_LOG_LEVEL=INFO
GB_DATABASE_SLOW_THRESHOLD=200ms
GB_LOG_LEVEL=INFO
GB_STARTUP_TIMEOUT=30s
GB_SHUTDOWN_TIMEOUT=60s

# Discord bot config

GB_DISCORD_TOKEN=your-discord-bot-token
GB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
GB_DISCORD_GUILD_ID=
GB_DISCORD_OWNER_ID=4242
GB_DISCORD_ADMIN_ROLE_ID=1234
GB_DISCORD_LOG_LEVEL=WARN
GB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
GB_DISCORD_STARTUP_MESSAGE="I'm here!"
GB_DISCORD_GATEWAY_INTENTS=3243773

# Cog pipeline

GB_COGS_DIR=/var/lib/guildbot/cogs
GB_COGS_PENDING_DIR=/var/lib/guildbot/cogs_pending
GB_COGS_MAX_SOURCE_SIZE=1048576
GB_COGS_LOAD_TIMEOUT=15s
GB_COGS_LOG_LEVEL=INFO

# Repo tracking

GB_GITHUB_CLONE_DIR=/var/lib/guildbot/repos
GB_GITHUB_POLL_INTERVAL=10m

# Steam deals

GB_STEAM_ENABLED=true
GB_STEAM_POLL_INTERVAL=1h

# API server

GB_API_LISTEN=127.0.0.1:5000
GB_API_SSL_CERT=/etc/ssl/cert.pem
GB_API_SSL_KEY=/etc/ssl/key.pem
GB_API_SSL_TLS_MIN_VERSION=771
GB_API_SECRET=your-api-secret
GB_API_LOG_LEVEL=DEBUG
GB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
GB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
GB_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
GB_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
GB_API_CORS_ALLOW_CREDENTIALS=true
GB_API_CORS_MAX_AGE=12h
GB_API_READ_TIMEOUT=5s
GB_API_READ_HEADER_TIMEOUT=5s
GB_API_WRITE_TIMEOUT=10s
GB_API_IDLE_TIMEOUT=30s
GB_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/guildbot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/guildbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "4242", viper.GetString("discord.owner_id"))
	assert.Equal(t, "1234", viper.GetString("discord.admin_role_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "/var/lib/guildbot/cogs", viper.GetString("cogs.dir"))
	assert.Equal(t, "/var/lib/guildbot/cogs_pending", viper.GetString("cogs.pending_dir"))
	assert.Equal(t, int64(1048576), viper.GetInt64("cogs.max_source_size"))
	assert.Equal(t, 15*time.Second, viper.GetDuration("cogs.load_timeout"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("cogs.log_level"))

	assert.Equal(t, "/var/lib/guildbot/repos", viper.GetString("github.clone_dir"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("github.poll_interval"))

	assert.True(t, viper.GetBool("steam.enabled"))
	assert.Equal(t, time.Hour, viper.GetDuration("steam.poll_interval"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a guildbot.Config struct
	var config guildbot.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/guildbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "4242", config.Discord.OwnerID)
	assert.Equal(t, "1234", config.Discord.AdminRoleID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "/var/lib/guildbot/cogs", config.Cogs.Dir)
	assert.Equal(t, "/var/lib/guildbot/cogs_pending", config.Cogs.PendingDir)
	assert.Equal(t, int64(1048576), config.Cogs.MaxSourceSize)
	assert.Equal(t, 15*time.Second, config.Cogs.LoadTimeout)

	assert.Equal(t, "/var/lib/guildbot/repos", config.GitHub.CloneDir)
	assert.Equal(t, 10*time.Minute, config.GitHub.PollInterval)

	assert.True(t, config.Steam.Enabled)
	assert.Equal(t, time.Hour, config.Steam.PollInterval)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)

	// a second invocation in the same process must parse the same
	// config cleanly
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
}
