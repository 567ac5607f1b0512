package main

import (
	"os"

	"chatsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCommand))
}
