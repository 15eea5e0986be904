package main

import (
	"os"

	"github.com/signalix/driver/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
