package main

import (
	"context"
	"fmt"
	"io"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", "init --password PASSWORD [options]", stderr)
	configDir := fs.String("config-dir", ".", "Directory holding .env and config files")
	password := fs.String("password", "", "Root password")
	hashed := fs.Bool("hashed", false, "The password is already client-side hashed")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *password == "" {
		fmt.Fprintln(stderr, "Error: --password is required")
		fs.Usage()
		return 1
	}

	ctx := context.Background()
	env, err := openOffline(ctx, *configDir, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	if err := env.auth.Credentials().Initialize(ctx, *password, *hashed); err != nil {
		printError(stderr, "failed to initialize credentials", err)
		return 1
	}
	fmt.Fprintln(stdout, "Credentials initialized.")
	return 0
}
