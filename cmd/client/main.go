package main

import (
	"os"

	"github.com/spf13/cobra"

	"chatsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(func() *cobra.Command {
		cmd := cli.NewClientCommand(nil)
		cmd.Use = "chatsync-client [room-key]"
		return cmd
	}))
}
