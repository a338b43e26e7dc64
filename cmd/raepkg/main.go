package main

import (
	"os"

	"github.com/raeenos/raepkg/internal/client/commands"
	"github.com/raeenos/raepkg/internal/client/errors"
)

func main() {
	// Command handlers exit with their mapped codes themselves, so only
	// cobra usage errors reach this point.
	if err := commands.Execute(); err != nil {
		os.Exit(errors.ExitUsage)
	}
}
