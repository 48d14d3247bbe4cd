// Package main is the entry point for the SentinelCore automation pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/SentinelIQ/SentinelCore/bootstrap"
	"github.com/SentinelIQ/SentinelCore/cmd"
	"github.com/spf13/cobra"
)

// run initializes and starts the pipeline server.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

// main is the entry point. With no arguments the process runs as the
// pipeline server; "modules" and "runs" route to the operator CLI.
func main() {
	if len(os.Args) > 1 {
		var root *cobra.Command
		switch os.Args[1] {
		case "modules":
			root = cmd.NewModulesCmd()
		case "runs":
			root = cmd.NewRunsCmd()
		}
		if root != nil {
			// Strip the subcommand name since the command tree already
			// knows its own name.
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			if err := root.Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
