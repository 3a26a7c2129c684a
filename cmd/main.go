package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=6.0.1" ./cmd
var Version = "6.0.0"

const usage = `sleepy - personal online status broadcaster

Usage:
  sleepy [command] [options]

Commands:
  serve                      Run the server (default when no command is given)
  init                       Set the root password
  devices list               List devices
  devices create <name>      Create a device and print its tokens
  devices delete <id>        Delete a device and revoke its tokens
  devices clear              Delete every device
  devices reset-token <id>   Issue a new token pair for a device
  host status                Show the status of a running server
  host discover              Find servers on the local network
  config init                Write a default config.toml
  version                    Print the version
Run 'sleepy <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: sleepy devices <list|create|delete|clear|reset-token>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "create":
			return runDevicesCreate(args[3:], stdout, stderr)
		case "delete":
			return runDevicesDelete(args[3:], stdout, stderr)
		case "clear":
			return runDevicesClear(args[3:], stdout, stderr)
		case "reset-token":
			return runDevicesResetToken(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "host":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: sleepy host <status|discover>")
			return 1
		}
		switch args[2] {
		case "status":
			return runHostStatus(args[3:], stdout, stderr)
		case "discover":
			return runHostDiscover(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown host command: %s\n", args[2])
			return 1
		}
	case "config":
		if len(args) < 3 || args[2] != "init" {
			fmt.Fprintln(stdout, "Usage: sleepy config init [--path FILE]")
			return 1
		}
		return runConfigInit(args[3:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "sleepy %s\n", Version)
		return 0
	default:
		if len(args[1]) > 0 && args[1][0] == '-' {
			// Flags without a command belong to serve.
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
