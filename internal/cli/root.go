// Package cli builds the chatsync commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatsync/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	LogFile  string
}

// NewRootCommand creates the chatsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time chat rooms that stay in sync",
		Long: `chatsync runs a websocket relay and a terminal client whose rooms keep a
consistent, ordered view across reconnects, duplicate deliveries and
optimistic sends.`,
		SilenceUsage: true,
	}
	addRootFlags(cmd, opts)

	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewClientCommand(opts))
	cmd.AddCommand(NewLocalCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func addRootFlags(cmd *cobra.Command, opts *RootOptions) {
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", app.EnvOrDefault("CHATSYNC_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", app.EnvOrDefault("CHATSYNC_LOG_FILE", ""), "append logs to this file")
}

// Execute loads .env, builds the command with newCmd and runs it until it
// returns or the process is interrupted.
func Execute(newCmd func() *cobra.Command) int {
	app.LoadEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newCmd()
	if err := cmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Name(), err)
		return 1
	}
	return 0
}

// setupLogging points the global logger at stderr, or at the log file.
// Interactive commands pass a nil console so logs never reach the terminal
// the TUI draws on.
func setupLogging(opts *RootOptions, console io.Writer) (func() error, error) {
	return app.SetupLogger(opts.LogLevel, opts.LogFile, console)
}
