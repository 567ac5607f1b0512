package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatsync/internal/app"
)

type ServerOptions struct {
	*RootOptions
	Config app.ServerConfig
}

// NewServerCommand creates the relay command. Standalone binaries call it
// with nil options and get their own log flags.
func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	standalone := rootOpts == nil
	if standalone {
		rootOpts = &RootOptions{}
	}
	opts := &ServerOptions{RootOptions: rootOpts, Config: app.ServerConfigFromEnv()}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the websocket relay",
		Long: `Run the relay: rooms fan messages out to their members, every message
is appended to the message log and history is served over HTTP.

Example:
  chatsync server --addr :8080 --store pebble --db ./data/chatsync.pebble`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := setupLogging(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer()

			handle, err := app.RunServer(cmd.Context(), opts.Config)
			if err != nil {
				return err
			}
			err = handle.Wait()
			log.Info().Msg("relay stopped")
			return err
		},
	}
	if standalone {
		addRootFlags(cmd, rootOpts)
	}
	addServerFlags(cmd, &opts.Config)
	return cmd
}

func addServerFlags(cmd *cobra.Command, cfg *app.ServerConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.StringVar(&cfg.Path, "path", cfg.Path, "websocket join path")
	f.StringVar(&cfg.Store, "store", cfg.Store, "message log backend (sqlite|pebble)")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "message log path (defaults to a per-user data dir)")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "origins allowed for browsers (default any)")
	f.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "sends per window per sender (0 uses the default, negative disables)")
	f.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "rate limit window")
}
