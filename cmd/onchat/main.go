package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/onchat-sdk-go/onchat"
)

var rootCmd = &cobra.Command{
	Use:          "onchat",
	Short:        "Terminal client for onchat servers",
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect and chat interactively",
	RunE:  runChat,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

var (
	flagConfig   string
	flagURL      string
	flagDataPath string
	flagStore    string
	flagLogLevel string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "onchat.toml", "TOML config file; missing file means defaults")
	flags.StringVar(&flagURL, "url", "", "websocket URL (overrides config and ONCHAT_URL)")
	flags.StringVar(&flagDataPath, "data-path", defaultDataPath(), "directory for the persisted session store")
	flags.StringVar(&flagStore, "store", onchat.StorePebble, "store backend: memory, pebble or sqlite")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (overrides config)")
	rootCmd.AddCommand(chatCmd, configCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute onchat command")
	}
}

func defaultDataPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".onchat"
	}
	return filepath.Join(dir, "onchat")
}

// loadConfig layers flags over the config file and environment.
func loadConfig(cmd *cobra.Command) (onchat.Config, error) {
	cfg, err := onchat.LoadConfig(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagURL != "" {
		cfg.URL = flagURL
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	// The CLI persists by default; a configured path wins over the flag default.
	if cmd.Flags().Changed("store") || cfg.Store.Path == "" {
		cfg.Store.Backend = flagStore
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = storePath(cfg.Store.Backend, flagDataPath)
	}
	return cfg, cfg.Validate()
}

func storePath(backend, dataPath string) string {
	switch backend {
	case onchat.StorePebble:
		return filepath.Join(dataPath, "pebble")
	case onchat.StoreSQLite:
		return filepath.Join(dataPath, "onchat.db")
	default:
		return ""
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	session, err := onchat.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("close session")
		}
	}()
	session.SetLogger(onchat.NewZerologLogger(logger))

	r := newREPL(session, cmd.OutOrStdout())
	r.watch(session)

	logger.Info().Str("url", cfg.URL).Str("store", cfg.Store.Backend).Msg("connecting")
	if err := session.Connect(ctx); err != nil {
		if !cfg.AutoReconnect {
			return fmt.Errorf("connect: %w", err)
		}
		logger.Warn().Err(err).Msg("connect failed; retrying in background")
	}
	return r.run(ctx, cmd.InOrStdin())
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
}
