package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crewdeck/crewchat/internal/config"
)

// RootFlags are shared by every subcommand.
type RootFlags struct {
	ConfigFile string
	LogLevel   string
}

func (f *RootFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigFile, "config", f.ConfigFile, "TOML config file (overrides CREWCHAT_CONFIG)")
	fs.StringVar(&f.LogLevel, "log-level", f.LogLevel, "Log level (debug,info,warn,error); defaults to LOG_LEVEL or info")
}

func newRootCmd() *cobra.Command {
	f := &RootFlags{}

	root := &cobra.Command{
		Use:   "crewchat",
		Short: "Yachting assistant chat client and relay",
		Long: `crewchat talks to the yachting assistant: it keeps a real-time channel
open for replies, posts chat turns to the AI endpoint and restores the
conversation history of signed-in users. The serve command runs a local
relay implementing the same endpoints.`,
		SilenceUsage: true,
	}
	f.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newChatCmd(f),
		newServeCmd(f),
		newIdentityCmd(f),
		newNotificationsCmd(f),
	)
	return root
}

// loadConfig reads .env, the optional config file and the environment, and
// installs the default logger writing JSON to w.
func loadConfig(f *RootFlags, w io.Writer) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	if f.ConfigFile != "" {
		if err := os.Setenv("CREWCHAT_CONFIG", f.ConfigFile); err != nil {
			return nil, fmt.Errorf("set config path: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	slog.Debug("debug logging enabled")
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("cannot parse log level %q: %w", s, err)
	}
	return level, nil
}
