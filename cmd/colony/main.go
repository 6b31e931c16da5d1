// Package main is the entry point for the colony CLI.
package main

import (
	"os"

	"github.com/basket/go-colony/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
