// Package main is the entry point for the dashp2p client.
package main

import (
	"os"

	"github.com/konstantinmiller/dashp2p/cmd/dashp2p/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
