package guildbot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// defaultTestConfig returns a Config suitable for tests: temp sqlite
// database, temp cog/clone directories and a self-signed cert for the
// API listener.
func defaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.RuntimeConfigTTL = 0
	cfg.UserCacheTTL = 0
	cfg.API.Development = true

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app-id"

	cfg.Cogs.Dir = filepath.Join(tmpdir, "cogs")
	cfg.Cogs.PendingDir = filepath.Join(tmpdir, "cogs_pending")
	cfg.GitHub.CloneDir = filepath.Join(tmpdir, "repos")

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)
	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile
	cfg.API.Secret = "kk8BhXtA5InRYyJmLvF20dQzWq7cEposn64UgT31"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Cogs.LogLevel.Set(logLevel)

	return cfg
}

// TestInitRunWiresCogHooks runs the real startup wiring and verifies
// the cog manager's host hooks reach Discord and the ledger.
func TestInitRunWiresCogHooks(t *testing.T) {
	cfg := defaultTestConfig(t)

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session

	ctx := context.Background()
	require.NoError(t, bot.initRun(ctx, ctx))

	require.NotNil(t, bot.cogs.sendMessage)
	require.NoError(t, bot.cogs.sendMessage("chan-test", "hello from a cog"))

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "chan-test", sent[0].ChannelID)
	assert.Equal(t, "hello from a cog", sent[0].Content)

	require.NotNil(t, bot.cogs.notifyUser)
	require.NoError(t, bot.cogs.notifyUser(ctx, "user-test", "you have mail"))

	sent = session.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "dm-user-test", sent[1].ChannelID)
	assert.Equal(t, "you have mail", sent[1].Content)

	require.NotNil(t, bot.cogs.getBalance)
	balance, err := bot.cogs.getBalance("user-test")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
