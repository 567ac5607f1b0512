package main

import (
	"os"

	"github.com/spf13/cobra"

	"chatsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(func() *cobra.Command {
		cmd := cli.NewServerCommand(nil)
		cmd.Use = "chatsync-server"
		return cmd
	}))
}
