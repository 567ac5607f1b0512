package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"chatsync/internal/app"
)

type LocalOptions struct {
	*RootOptions
	Server app.ServerConfig
	Client app.ClientConfig
}

// NewLocalCommand runs a relay on a local port and a client against it.
func NewLocalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LocalOptions{
		RootOptions: rootOpts,
		Server:      app.ServerConfigFromEnv(),
		Client:      app.ClientConfigFromEnv(),
	}
	opts.Server.Addr = app.EnvOrDefault("CHATSYNC_LOCAL_ADDR", app.LocalAddr)

	cmd := &cobra.Command{
		Use:   "local [room-key]",
		Short: "Run a private relay and open the client against it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Client.RoomKey = args[0]
			}
			closer, err := setupLogging(opts.RootOptions, nil)
			if err != nil {
				return err
			}
			defer closer()
			return runLocal(cmd.Context(), opts)
		},
	}
	addServerFlags(cmd, &opts.Server)
	addClientFlags(cmd, &opts.Client)
	return cmd
}

func runLocal(ctx context.Context, opts *LocalOptions) error {
	handle, err := app.RunServer(ctx, opts.Server)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := app.WaitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	opts.Client.ServerURL = app.SocketURL(handle.Addr(), opts.Server.Path)
	if err := app.RunClient(opts.Client); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
