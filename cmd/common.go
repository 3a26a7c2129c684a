package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/auth"
	"github.com/sleepy-project/sleepy/internal/cache"
	"github.com/sleepy-project/sleepy/internal/config"
	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/status"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// newFlagSet creates a flag set that reports errors to stderr and prints
// the given usage line before the defaults.
func newFlagSet(name, usageLine string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: sleepy %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses args and returns an exit code when the command should
// stop: 0 after --help, 1 on a parse error. In ContinueOnError mode pflag
// returns parse errors without printing them.
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		fmt.Fprintf(fs.Output(), "Error: %v\n", err)
		fs.Usage()
		return 1, false
	}
	return 0, true
}

// printError reports err on stderr, prefixed with what the command was
// doing. Coded errors are followed by a hint about what to try next.
func printError(stderr io.Writer, doing string, err error) {
	code, msg := hostErrors.ToCodeAndMessage(err)
	if code == hostErrors.CodeUnknown || code == hostErrors.CodeInternal {
		// The cause matters more than the short message here.
		msg = err.Error()
	}
	if doing != "" {
		msg = doing + ": " + msg
	}
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	if code == hostErrors.CodeUnknown {
		return
	}
	if next := hostErrors.GetNextAction(code); next != "" {
		fmt.Fprintf(stderr, "Next: %s\n", next)
	}
}

// loadConfig loads configuration from dir, reporting file warnings to stderr.
func loadConfig(dir string, stderr io.Writer) (*config.Config, error) {
	return config.LoadOptions(config.Options{
		Dir: dir,
		Warnf: func(format string, args ...any) {
			fmt.Fprintf(stderr, "Warning: "+format+"\n", args...)
		},
	})
}

// offline is the service stack used by commands that work directly on the
// database without a running server. Changes made here are not broadcast.
type offline struct {
	cfg    *config.Config
	store  *storage.Store
	auth   *auth.Service
	status *status.Service
	cache  cache.Cache
}

func openOffline(ctx context.Context, configDir string, stderr io.Writer) (*offline, error) {
	cfg, err := loadConfig(configDir, stderr)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Offline commands print their own results; library logs stay quiet.
	logger := zap.NewNop()

	store, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c, err := cache.Open(ctx, cfg.Redis.URL, cfg.RedisTTL(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	authSvc := auth.NewService(store, authConfig(cfg), logger)
	statusSvc := status.NewService(store, authSvc, nil, logger, status.WithCache(c))
	if err := statusSvc.Bootstrap(ctx); err != nil {
		c.Close()
		store.Close()
		return nil, err
	}
	return &offline{cfg: cfg, store: store, auth: authSvc, status: statusSvc, cache: c}, nil
}

func (o *offline) Close() {
	o.cache.Close()
	o.store.Close()
}
