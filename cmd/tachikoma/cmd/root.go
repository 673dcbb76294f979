package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/app"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/config"
)

var rootCmd = &cobra.Command{
	Use:   "tachikoma",
	Short: "Tachikoma - agent sandbox orchestration",
	Long: `tachikoma provisions isolated sandboxes for autonomous agents, runs the
agent processes inside them, and keeps the tracked state honest.

Sandboxes live on pluggable backends (local processes, Docker containers,
remote machines over SSH, or a remote controller API). Every command
works against the same configuration file, so one-shot commands and the
daemon share a single view of the world.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.tachikoma/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// loadConfig resolves the configuration for this invocation and applies the
// logging flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		Fatal("loading config: %v", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	setupLogging(cfg.LogLevel)
	return cfg
}

// openApp wires the full application for a one-shot command. The caller
// must Stop() it.
func openApp(cmd *cobra.Command) *app.App {
	a, err := app.New(loadConfig(cmd))
	if err != nil {
		Fatal("%v", err)
	}
	return a
}

// setupLogging installs the default slog handler at the requested level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		Fatal("unknown log level %q", level)
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

// splitEnv parses repeated KEY=VALUE flags into a map.
func splitEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q (want KEY=VALUE)", p)
		}
		env[k] = v
	}
	return env, nil
}
