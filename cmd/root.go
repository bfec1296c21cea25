package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/attendcam/internal/config"
	"github.com/andresmejia3/attendcam/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Options holds flag values that override the loaded configuration.
type Options struct {
	ConfigPath string
	DBURL      string
	LogLevel   string
	LogFormat  string
}

var (
	rootOpts Options
	// Cfg is the resolved configuration shared by subcommands
	Cfg config.Config
	// Log is the root logger built from Cfg
	Log zerolog.Logger
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "attendcam",
	Short:   "Camera-based face enrollment, login and attendance",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(rootOpts)
		if err != nil {
			return err
		}
		logger, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return err
		}
		Cfg, Log = cfg, logger
		return nil
	},
}

// loadConfig layers defaults, the YAML file, the environment and root flags.
func loadConfig(opts Options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if opts.DBURL != "" {
		cfg.Events.PostgresDSN = opts.DBURL
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	return cfg, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.ConfigPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&rootOpts.DBURL, "db", "", "PostgreSQL connection string for the audit journal (default: from POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootOpts.LogFormat, "log-format", "", "Log format: console or json")
}
