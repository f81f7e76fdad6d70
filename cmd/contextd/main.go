// Package main provides the entry point for the contextd daemon.
package main

import (
	"os"

	"github.com/contextd/contextd/cmd/contextd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
