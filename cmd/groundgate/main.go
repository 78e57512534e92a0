package main

import (
	"github.com/shizukutanaka/groundgate/cmd/groundgate/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in cmd/groundgate/commands.
func main() {
	commands.Execute()
}
