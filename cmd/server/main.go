// Package main runs the Amelia voice and chat bridge.
//
// Usage:
//
//	amelia-bridge [--config path] [--env path] <command>
//
// Commands:
//
//	serve        - Run the HTTP, chat and voice WebSocket server
//	check-config - Validate a configuration file and print a summary
//	version      - Print the service version
package main

import (
	"fmt"
	"os"

	"github.com/ingenio-legal/amelia-bridge/cmd/server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
