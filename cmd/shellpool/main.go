package main

import (
	"os"

	"github.com/agent462/shellpool/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
