package main

import (
	"os"

	"github.com/soyeahso/companion/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	if os.Getenv("COMPANION_AUTORESTART") != "" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
