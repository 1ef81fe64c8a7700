package guildbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/ngongtopro/bot-discord/guildbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// GuildBot is the main application struct. It wires together the
// Discord session, the database, the coin ledger, the cog manager,
// the background pollers and the admin API.
type GuildBot struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [GuildBot.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [GuildBot.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// The coin ledger
	ledger *Ledger

	// Manages cog submissions and loaded cogs
	cogs *CogManager

	// Tracked git repositories
	repos *RepoManager

	// Steam specials poller
	steam *SteamPoller

	// Provides the back-end admin API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished
	// initializing: database migrated, runtime config loaded, cogs
	// loaded, discord session opened and commands registered.
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [GuildBot.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot acknowledges but refuses new commands.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to opening
	// the discord session.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc returns the handler used to respond to
	// an incoming interaction. Swappable for tests.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	commandsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerUserCacheRefreshCh     chan bool
	triggerUserUpdatedRefreshCh   chan string
}

func (b *GuildBot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger := ContextLogger(ctx)
	if logger == slog.Default() && b.logger != nil {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (b *GuildBot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// New creates and initializes a new GuildBot instance from the given
// config: loggers, the Discord wrapper, the cog manager and the API.
// Database connections are deferred until [GuildBot.Run].
func New(config *Config) (*GuildBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &GuildBot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerUserCacheRefreshCh:     make(chan bool, 1),
		triggerUserUpdatedRefreshCh:   make(chan string, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.b = b
		b.discord = disc
	}

	cogs, err := NewCogManager(
		nil,
		config.Cogs,
		b.logger.With(loggerNameKey, "cogs"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	b.cogs = cogs

	b.repos = newRepoManager(config.GitHub, b)
	b.steam = newSteamPoller(config.Steam, b)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *GuildBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands registers the bot's application commands,
// including any contributed by loaded cogs.
func (b *GuildBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(
		b.RuntimeConfig(),
		b.cogs.Registry().Commands(),
		options...,
	)
}

// Run starts the bot and blocks until the given context is canceled
// or a stop signal is received.
func (b *GuildBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if e := b.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := b.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	runtimeCfg := b.RuntimeConfig()

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		b.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = b.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	b.startUserCacheRefresher(ctx, runtimeWG)
	b.startUserUpdatedListener(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.repos.watch(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.steam.watch(ctx)
	}()

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	for _, channelName := range []string{
		b.dbNotifier.RuntimeConfigChannelName(),
		b.dbNotifier.UserCacheChannelName(),
		b.dbNotifier.UserUpdateChannelName(),
	} {
		runtimeWG.Add(1)
		go func(name string) {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, name); e != nil {
				b.logger.ErrorContext(
					ctx,
					"error listening on notification channel",
					"channel", name,
					tint.Err(e),
				)
			}
		}(channelName)
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return b.shutdown(ctx, runtimeWG)
}

func (b *GuildBot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !b.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			b.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := b.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return b.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		b.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection and registers commands,
// if the gateway is enabled
func (b *GuildBot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := b.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if runtimeCfg.DiscordCustomStatus != "" && !b.paused.Load() {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (b *GuildBot) startUserCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	userCacheTTL := b.config.UserCacheTTL

	var lastRefresh time.Time

	if userCacheTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(userCacheTTL)
			defer ticker.Stop()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case b.triggerUserCacheRefreshCh <- false:
				//
				case <-time.After(15 * time.Second):
					b.logger.Info("timed out sending user cache refresh signal")
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("context canceled, stopping user cache refresher")
				return
			case forceRefresh := <-b.triggerUserCacheRefreshCh:
				if forceRefresh || lastRefresh.IsZero() ||
					time.Since(lastRefresh) > userCacheTTL {
					b.logger.Info("reloading user cache")
					b.refreshUserCache(ctx)
					lastRefresh = time.Now()
					b.logger.Info("finished reloading")
				} else {
					b.logger.Info("recently refreshed, ignoring")
				}
			}
		}
	}()
}

func (b *GuildBot) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-b.triggerUserUpdatedRefreshCh:
				if userID == "" {
					b.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				b.refreshUser(userID)
			}
		}
	}()
}

func (b *GuildBot) refreshUser(userID string) {
	b.logger.Info("reloading user", columnUserID, userID)
	_ = b.writeDB.ReloadUser(userID)
	b.logger.Info("reloaded user", columnUserID, userID)
}

// startRuntimeConfigRefresher starts the refresher goroutine, which
// periodically reloads [RuntimeConfig] from the database.
func (b *GuildBot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := b.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case b.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent cache refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-b.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					b.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					b.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (b *GuildBot) refreshRuntimeConfig(ctx context.Context, force bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	runtimeConfigTTL := b.config.RuntimeConfigTTL
	rollbackConfig := b.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		b.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		b.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		b.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		b.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (b *GuildBot) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	b.logger.Info("refreshing runtime configuration")
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := b.discord.session.Close(); discErr != nil {
			b.logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := b.discord.updateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					b.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := b.discord.updateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				b.logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		b.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  b.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := b.discord.session.Open(); discErr != nil {
			b.logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}

	b.runtimeConfig = existingConfig
	b.setRuntimeLevels(*existingConfig)

	b.logger.Info("refreshed runtime config")
}

func (b *GuildBot) refreshUserCache(context.Context) {
	b.writeDB.UserCacheLock()
	defer b.writeDB.UserCacheUnlock()
	_ = b.writeDB.LoadUsers()
}

func (b *GuildBot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.Cogs.LogLevel.Set(state.CogLogLevel.Level())
}

func (b *GuildBot) initRun(startCtx context.Context, ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := b.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			b.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := b.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		b.pendingSetup.Store(true)
	}
	b.paused.Store(botState.Paused)
	b.setRuntimeLevels(botState)
	b.runtimeConfig = &botState

	b.ledger = NewLedger(b.writeDB, b.logger.With(loggerNameKey, "ledger"))

	b.cogs.db = b.writeDB
	b.cogs.notifyUser = func(_ context.Context, userID string, content string) error {
		return b.discord.directMessageUser(userID, content)
	}
	b.cogs.sendMessage = func(channelID string, content string) error {
		return b.discord.channelMessageSend(channelID, content)
	}
	b.cogs.getBalance = func(userID string) (int64, error) {
		return b.ledger.GetBalance(context.Background(), userID)
	}
	b.cogs.syncCommands = func(context.Context) error {
		if !b.discord.connected.Load() {
			return nil
		}
		_, err := b.RegisterSlashCommands()
		return err
	}

	b.cogs.LoadAll(ctx)

	return nil
}

func (b *GuildBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if b.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: b.RuntimeConfig().DiscordCustomStatus,
		}
	}
	b.discord.session.SetIdentify(identify)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.GuildMemberAdd,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleGuildMemberAdd(ctx, m)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				mu:          &sync.RWMutex{},
				logger: b.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

func (b *GuildBot) initDB(ctx context.Context) error {
	logger := ContextLogger(ctx)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	b.db = db

	b.writeDB = NewDatabase(db, nil, b.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, p := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(p).Error; pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&User{},
		&Account{},
		&TransactionRecord{},
		&CogSubmission{},
		&TrackedRepo{},
		&AnnouncedDeal{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	_ = b.writeDB.LoadUsers()
	return nil
}

func (b *GuildBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		if b.discord != nil && b.discord.session != nil {
			_ = b.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if b.discord != nil && b.discord.session != nil {
			if discErr := b.discord.session.Close(); discErr != nil {
				b.logger.Error("error closing discord session", tint.Err(discErr))
			}
		}

		if b.api != nil && b.api.httpServer != nil {
			if apiErr := b.api.httpServer.Shutdown(closeCtx); apiErr != nil {
				b.logger.Error("error shutting down api server", tint.Err(apiErr))
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(ctx, "graceful shutdown complete")
		return nil
	case <-closeCtx.Done():
		if b.api != nil && b.api.httpServer != nil {
			_ = b.api.httpServer.Close()
		}
		return fmt.Errorf("shutdown deadline exceeded")
	}
}

// Pause 'pauses' the bot. While paused, incoming slash commands are
// acknowledged but refused.
func (b *GuildBot) Pause(ctx context.Context) bool {
	prev := b.paused.Swap(true)
	if prev {
		return false
	}

	if err := b.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		b.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !b.runtimeConfig.Paused {
		if _, err := b.writeDB.Update(
			ctx,
			b.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (b *GuildBot) Resume(ctx context.Context) bool {
	prev := b.paused.Swap(false)
	if !prev {
		b.logger.Warn("bot not paused")
		return false
	}
	b.logger.InfoContext(ctx, "bot resumed")

	if err := b.discord.updateCustomStatus(b.runtimeConfig.DiscordCustomStatus); err != nil {
		b.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if b.runtimeConfig.Paused {
		if _, err := b.writeDB.Update(
			ctx, b.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

// GetOrCreateUser is a convenience wrapper over the database layer.
func (b *GuildBot) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	return b.writeDB.GetOrCreateUser(ctx, b, u)
}

// handleGuildMemberAdd credits the initial balance to members joining
// the guild, if they have no prior balance.
func (b *GuildBot) handleGuildMemberAdd(
	ctx context.Context,
	m *discordgo.GuildMemberAdd,
) {
	if m.User == nil || m.User.Bot {
		return
	}
	ctx, logger := b.getLogger(ctx)

	if _, _, err := b.GetOrCreateUser(ctx, *m.User); err != nil {
		logger.ErrorContext(ctx, "error creating joined user", tint.Err(err))
	}

	config := b.RuntimeConfig()
	if config.InitialBalance <= 0 {
		return
	}
	count, err := b.ledger.InitializeMembers(
		ctx,
		[]string{m.User.ID},
		config.InitialBalance,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error granting initial balance", tint.Err(err))
		return
	}
	if count > 0 {
		logger.InfoContext(
			ctx,
			"granted initial balance to new member",
			columnUserID, m.User.ID,
			"amount", config.InitialBalance,
		)
	}
}

func (*GuildBot) handleRecover(ctx context.Context, rc any) {
	if rc != nil {
		logger := ContextLogger(ctx)
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic", rc,
			"stack", string(debug.Stack()),
		)
	}
}

// handleInteraction responds to an incoming interaction: it logs the
// interaction, resolves the user, applies the per-user rate limit and
// pause state, then dispatches to the matching command handler.
func (b *GuildBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		b.handleRecover(ctx, recover())
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		b.handleApplicationCommand(ctx, handler, discordUser)
	}
}

func (b *GuildBot) handleApplicationCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name

	u, _, err := b.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		handler.Delete(ctx)
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
	ctx = WithLogger(ctx, logger)

	if u.Ignored {
		logger.InfoContext(ctx, "ignoring command from ignored user")
		return
	}

	if ackErr := handler.Respond(ctx, b.discord.ackResponse(commandName)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	config := b.RuntimeConfig()

	var content string
	switch {
	case b.paused.Load():
		content = "I'm paused right now, try again later!"
	case !u.allowCommand(config.UserCommandsPerMinute):
		content = "You're doing that too much, slow down!"
	default:
		b.commandsInProgress.Add(1)
		defer b.commandsInProgress.Add(-1)

		var cmdErr error
		content, cmdErr = b.dispatchCommand(ctx, commandName, u, i)
		if cmdErr != nil {
			content = b.commandErrorReply(ctx, commandName, cmdErr)
		}
	}

	if content == "" {
		handler.Delete(ctx)
		return
	}

	content = truncate(content, discordMaxMessageLength)
	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &content},
	); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}

// dispatchCommand routes an acknowledged application command to its
// handler. Unrecognized names are checked against the cog registry.
func (b *GuildBot) dispatchCommand(
	ctx context.Context,
	commandName string,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	switch commandName {
	case DiscordSlashCommandBalance:
		return b.balanceCommand(ctx, u, i)
	case DiscordSlashCommandPay:
		return b.payCommand(ctx, u, i)
	case DiscordSlashCommandRichest:
		return b.richestCommand(ctx, i)
	case DiscordSlashCommandWork:
		return b.workCommand(ctx, u)
	case DiscordSlashCommandLevel:
		return b.levelCommand(ctx, u, i)
	case DiscordSlashCommandPing:
		return b.pingCommand(ctx)
	case DiscordSlashCommandCog:
		return b.cogCommand(ctx, u, i)
	case DiscordSlashCommandTreasury:
		return b.treasuryCommand(ctx, u, i)
	case DiscordSlashCommandRepo:
		return b.repoCommand(ctx, u, i)
	}

	if cmd, ok := b.cogs.Registry().Command(commandName); ok {
		options := map[string]string{}
		for name, opt := range discordInteractionOptions(i) {
			options[name] = fmt.Sprintf("%v", opt.Value)
		}
		return cmd.Handler(u.ID, options)
	}

	return "", newValidationError("unknown command: %s", commandName)
}

// commandErrorReply converts a command error into the message shown to
// the user. Domain errors carry their own message, anything else gets
// the generic error reply.
func (b *GuildBot) commandErrorReply(
	ctx context.Context,
	commandName string,
	err error,
) string {
	logger := ContextLogger(ctx)

	var validationErr ValidationError
	var fundsErr InsufficientFundsError
	var loadErr LoadError

	switch {
	case errors.As(err, &validationErr):
		return validationErr.Message
	case errors.As(err, &fundsErr):
		return fundsErr.Error()
	case errors.As(err, &loadErr):
		return fmt.Sprintf(
			"Cog `%s` failed to load: %s",
			loadErr.ModuleName,
			loadErr.Err,
		)
	case errors.Is(err, ErrSubmissionNotFound):
		return err.Error()
	default:
		logger.ErrorContext(
			ctx,
			"command failed",
			"command", commandName,
			tint.Err(err),
		)
		return b.config.Discord.ErrorMessage
	}
}

// isOwner reports whether the given user ID matches the configured bot
// owner.
func (b *GuildBot) isOwner(userID string) bool {
	return b.config.Discord.OwnerID != "" && userID == b.config.Discord.OwnerID
}

// isAdmin reports whether the interaction comes from the bot owner or
// a member carrying the admin role.
func (b *GuildBot) isAdmin(i *discordgo.InteractionCreate, userID string) bool {
	if b.isOwner(userID) {
		return true
	}
	return memberHasRole(i, b.config.Discord.AdminRoleID)
}

// InteractionHandler responds to a discord interaction. It exists so
// command execution stays the same under tests, swapping only the
// request-specific discord calls.
type InteractionHandler interface {
	Respond(
		ctx context.Context,
		response *discordgo.InteractionResponse,
		opts ...discordgo.RequestOption,
	) error
	GetResponse(ctx context.Context) (*discordgo.Message, error)
	Edit(
		ctx context.Context,
		response *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	Delete(ctx context.Context, opts ...discordgo.RequestOption)
	GetInteraction() *discordgo.InteractionCreate
	Logger() *slog.Logger
}

// GatewayHandler is the InteractionHandler used for interactions
// received over the discord gateway websocket.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	mu          *sync.RWMutex
}

func (w GatewayHandler) Logger() *slog.Logger {
	if w.logger == nil {
		return slog.Default()
	}
	return w.logger
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
	opts ...discordgo.RequestOption,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.session.InteractionRespond(w.interaction.Interaction, response, opts...)
	if err != nil {
		w.Logger().ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (*discordgo.Message, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.Logger().ErrorContext(ctx, "error getting interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	response *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		response,
		opts...,
	)
	if err != nil {
		w.Logger().ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	); err != nil {
		w.Logger().ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}
