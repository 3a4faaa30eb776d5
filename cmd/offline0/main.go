package main

import (
	"fmt"
	"os"

	"offline0/cmd/offline0/commands"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	commands.Version = version

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
