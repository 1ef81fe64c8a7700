package guildbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentChannelMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession satisfies DiscordSessionHandler without a gateway
// connection, recording channel sends for assertions.
type mockDiscordSession struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []sentChannelMessage
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.Default().With(loggerNameKey, "discord_session_handler"),
	}
}

func (d *mockDiscordSession) sentMessages() []sentChannelMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	msgs := make([]sentChannelMessage, len(d.sent))
	copy(msgs, d.sent)
	return msgs
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(
		d.sent,
		sentChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{Content: message, ChannelID: channelID}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) UpdateStatusComplex(discordgo.UpdateStatusData) error {
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *mockDiscordSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (d *mockDiscordSession) InteractionResponse(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) error {
	return nil
}

func (d *mockDiscordSession) GuildMembers(
	string,
	string,
	int,
	...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return nil, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (d *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (d *mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (d *mockDiscordSession) GatewayBot(...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{}, nil
}

// newTestMessageBot builds a GuildBot wired to a temp sqlite database
// and a mock Discord session.
func newTestMessageBot(t testing.TB, rc RuntimeConfig) (
	*GuildBot,
	*mockDiscordSession,
) {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	session := newMockDiscordSession()
	bot := &GuildBot{
		config: &Config{
			Discord: &DiscordConfig{ApplicationID: "app-1"},
		},
		db:            db,
		writeDB:       NewDatabase(db, nil, false),
		logger:        slog.Default(),
		runtimeConfig: &rc,
	}
	bot.discord = &Discord{
		session: session,
		config:  bot.config.Discord,
		logger:  slog.Default(),
		b:       bot,
	}
	return bot, session
}

func guildMessage(channelID string, author *discordgo.User, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-1",
			ChannelID: channelID,
			GuildID:   "guild-1",
			Author:    author,
			Content:   content,
		},
	}
}

func TestMonitoredChannelForwarding(t *testing.T) {
	t.Parallel()
	rc := DefaultRuntimeConfig()
	rc.MonitorChannelID = "chan-mon"
	rc.DiscordNotificationChannelID = "chan-notify"
	rc.XPPerMessage = 0
	bot, session := newTestMessageBot(t, rc)
	ctx := context.Background()

	author := &discordgo.User{ID: "user-1", Username: "alice"}

	// traffic outside the monitored channel is left alone
	bot.handleDiscordMessage(ctx, guildMessage("chan-other", author, "hello"))
	assert.Empty(t, session.sentMessages())

	bot.handleDiscordMessage(ctx, guildMessage("chan-mon", author, "watch me"))

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "chan-notify", sent[0].ChannelID)
	assert.Contains(t, sent[0].Content, "alice")
	assert.Contains(t, sent[0].Content, "watch me")
	assert.Contains(t, sent[0].Content, "<#chan-mon>")
}

func TestMonitoredChannelNoNotificationChannel(t *testing.T) {
	t.Parallel()
	rc := DefaultRuntimeConfig()
	rc.MonitorChannelID = "chan-mon"
	rc.XPPerMessage = 0
	bot, session := newTestMessageBot(t, rc)

	author := &discordgo.User{ID: "user-1", Username: "alice"}
	bot.handleDiscordMessage(
		context.Background(),
		guildMessage("chan-mon", author, "watch me"),
	)
	assert.Empty(t, session.sentMessages())
}

func TestHandleMessageNilAuthor(t *testing.T) {
	t.Parallel()
	rc := DefaultRuntimeConfig()
	rc.MonitorChannelID = "chan-mon"
	rc.DiscordNotificationChannelID = "chan-notify"
	bot, session := newTestMessageBot(t, rc)
	ctx := context.Background()

	// webhook-style message: no Author, user only on the member
	m := guildMessage("chan-mon", nil, "from a member")
	m.Member = &discordgo.Member{
		User: &discordgo.User{ID: "user-2", Username: "bob"},
	}
	bot.handleDiscordMessage(ctx, m)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "bob")

	var u User
	require.NoError(t, bot.db.Where("id = ?", "user-2").First(&u).Error)
	assert.Equal(t, rc.XPPerMessage, u.XP)

	// no user at all: dropped without panicking
	bot.handleDiscordMessage(ctx, guildMessage("chan-mon", nil, "system"))
	assert.Len(t, session.sentMessages(), 1)
}
