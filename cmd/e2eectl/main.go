package main

import (
	"os"

	"github.com/meow-io/go-e2ee/cmd/e2eectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
