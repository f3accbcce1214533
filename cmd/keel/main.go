// keel is the command-line interface for operating a keel event store and
// its delivery pipeline.
//
// Usage:
//
//	keel <command> [flags]
//
// Commands:
//
//	config   Create, check and print keel.yaml
//	store    Migrate the event store and report its health
//	stream   Read streams and inspect consumer group backlogs
//	relay    Forward stored events to the broker
//	dlq      List, requeue and discard dead letters
//	version  Show version information
//
// Examples:
//
//	# Write a configuration and create the tables
//	keel config init --store postgres --store-url '${DATABASE_URL}'
//	keel store migrate
//
//	# Relay events with metrics on :9090
//	keel relay run --metrics-addr :9090
//
//	# Requeue a dead letter
//	keel dlq requeue 3f2a9c0e-1d7b-4c55-9e0a-6b1f8d2c4a71
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-keel/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
