package main

import (
	"os"

	"prbot/cmd/prbot/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
