package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/ngongtopro/bot-discord/guildbot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = guildbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "guildbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", guildbot.DefaultDatabase)
	viper.SetDefault("database_type", guildbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		guildbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		guildbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", guildbot.DefaultRuntimeConfigTTL)
	viper.SetDefault("user_cache_ttl", guildbot.DefaultUserCacheTTL)

	viper.SetDefault("log_level", guildbot.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", guildbot.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", guildbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.admin_role_id", "")
	viper.SetDefault(
		"discord.log_level",
		guildbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		guildbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		guildbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", guildbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.error_message", guildbot.DefaultDiscordErrorMessage)

	// Cog pipeline config
	viper.SetDefault("cogs.dir", guildbot.DefaultCogDir)
	viper.SetDefault("cogs.pending_dir", guildbot.DefaultCogPendingDir)
	viper.SetDefault("cogs.max_source_size", guildbot.DefaultCogMaxSourceSize)
	viper.SetDefault("cogs.load_timeout", guildbot.DefaultCogLoadTimeout)
	viper.SetDefault("cogs.log_level", guildbot.DefaultLogLevel.String())

	// Repo tracking config
	viper.SetDefault("github.clone_dir", guildbot.DefaultGitHubCloneDir)
	viper.SetDefault("github.poll_interval", guildbot.DefaultGitHubPollInterval)

	// Steam deals config
	viper.SetDefault("steam.enabled", false)
	viper.SetDefault("steam.store_url", guildbot.DefaultSteamStoreURL)
	viper.SetDefault("steam.poll_interval", guildbot.DefaultSteamPollInterval)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", guildbot.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		guildbot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", guildbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		guildbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", guildbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", guildbot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		guildbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		guildbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		guildbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", guildbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		guildbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(guildbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	// Fail fast on bad level strings. The values stay in viper as
	// strings; the unmarshal decode hook converts them.
	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"database_log_level",
		"api.log_level",
		"cogs.log_level",
	} {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	str, ok := v.(string)
	require.Truef(t, ok, "could not convert %#v (%T) to string", v, v)
	lvl, err := levelStringToLevelVar(str)
	require.NoError(t, err)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
