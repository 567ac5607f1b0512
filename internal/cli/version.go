package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"chatsync/internal/app"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatsync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s (%s/%s)\n", app.Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
