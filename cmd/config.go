package main

import (
	"fmt"
	"io"

	"github.com/sleepy-project/sleepy/internal/config"
)

func runConfigInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("config init", "config init [options]", stderr)
	configDir := fs.String("config-dir", ".", "Directory to write config.toml into")
	path := fs.String("path", "", "Write to this file instead of <config-dir>/config.toml")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	target := *path
	if target == "" {
		target = config.DefaultConfigPath(*configDir)
	}
	if err := config.WriteDefault(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config written to %s (existing files are left untouched).\n", target)
	return 0
}
