package main

import (
	"context"
	"fmt"
	"io"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", "serve [options]", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	freshStart := fs.Bool("fresh-start", false, "Drop all data (credentials, tokens, devices) before starting")
	host := fs.String("host", "", "Listen host (overrides config)")
	port := fs.Int("port", 0, "Listen port (overrides config)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if fs.Changed("host") {
		cfg.Host = *host
	}
	if fs.Changed("port") {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	if *freshStart {
		fmt.Fprintln(stdout, "WARNING: --fresh-start drops all stored credentials, tokens and devices.")
	}

	app := newApp(cfg, serveOptions{ConfigDir: *configDir, FreshStart: *freshStart, Stdout: stdout})
	if err := app.Err(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Done fires on SIGINT or SIGTERM.
	<-app.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
		return 1
	}
	return 0
}
