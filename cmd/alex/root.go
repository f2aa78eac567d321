package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/smebi/alex/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "alex",
	Short: "Alex client — talk to the BI agent from your terminal",
	Long: `Alex is the client core for the Alex BI agent: it keeps the ambient
thought stream connected, runs chat exchanges, and maintains local
conversation history and dashboard state.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.alex/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sessionsCmd())
}

// loadConfig resolves the configuration for a command run.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

// newLogger builds the process logger. Quiet by default so the REPL
// stays readable.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
