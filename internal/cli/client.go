package cli

import (
	"github.com/spf13/cobra"

	"chatsync/internal/app"
)

type ClientOptions struct {
	*RootOptions
	Config app.ClientConfig
}

// NewClientCommand creates the terminal client command. With nil options it
// carries its own log flags.
func NewClientCommand(rootOpts *RootOptions) *cobra.Command {
	standalone := rootOpts == nil
	if standalone {
		rootOpts = &RootOptions{}
	}
	opts := &ClientOptions{RootOptions: rootOpts, Config: app.ClientConfigFromEnv()}

	cmd := &cobra.Command{
		Use:   "client [room-key]",
		Short: "Open the terminal client",
		Long: `Open the terminal client against a relay. With a room key it joins that
room directly; otherwise a menu offers to join or create one.

Example:
  chatsync client --server-url ws://localhost:8080/join --user ann lobby`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Config.RoomKey = args[0]
			}
			closer, err := setupLogging(opts.RootOptions, nil)
			if err != nil {
				return err
			}
			defer closer()
			return app.RunClient(opts.Config)
		},
	}
	if standalone {
		addRootFlags(cmd, rootOpts)
	}
	cmd.Flags().StringVar(&opts.Config.ServerURL, "server-url", opts.Config.ServerURL, "relay websocket URL")
	addClientFlags(cmd, &opts.Config)
	return cmd
}

func addClientFlags(cmd *cobra.Command, cfg *app.ClientConfig) {
	f := cmd.Flags()
	f.StringVar(&cfg.Username, "user", cfg.Username, "display name")
	f.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "how long a send waits for the relay's echo")
	f.IntVar(&cfg.Outbox, "outbox", cfg.Outbox, "frames queued per room while disconnected")
	f.BoolVar(&cfg.ResyncOnReconnect, "resync", cfg.ResyncOnReconnect, "refetch the newest page after a reconnect")
	f.BoolVar(&cfg.HeuristicMatch, "heuristic-match", cfg.HeuristicMatch, "also match echoes without a correlation id by sender, content and time")
}
