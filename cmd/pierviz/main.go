package main

import (
	"fmt"
	"os"
	"strings"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"run": true, "sweep": true, "highlights": true, "months": true,
	"migrate": true, "history": true, "export": true, "observe": true,
	"serve": true, "mcp": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode(args []string) bool {
	if len(args) < 2 {
		return false // No args → MCP server
	}
	arg := args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// Global flags, --help or --version → CLI
	switch {
	case arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v":
		return true
	case arg == "--config" || arg == "-c" || strings.HasPrefix(arg, "--config="):
		return true
	}
	return false // Default → MCP server
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
         _                 _
   _ __ (_) ___ _ ____   _(_)____
  | '_ \| |/ _ \ '__\ \ / / |_  /
  | |_) | |  __/ |   \ V /| |/ /
  | .__/|_|\___|_|    \_/ |_/___|
  |_|

  Hourly pier camera archive

  Usage: pierviz <command> [options]
         pierviz --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	args := os.Args
	if !isCLIMode(args) {
		// Unknown argument + terminal → show error (don't start MCP server)
		if len(args) >= 2 && isTerminal() {
			fmt.Fprintf(os.Stderr, "error: unknown command %q\n", args[1])
			fmt.Fprintf(os.Stderr, "Run 'pierviz --help' for usage.\n")
			os.Exit(1)
		}
		// MCP server mode (default)
		args = []string{args[0], "mcp"}
	}

	app := newCLIApp(&deps{})
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
