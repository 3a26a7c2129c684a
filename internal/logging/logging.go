// Package logging builds the service's zap logger from configuration.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sleepy-project/sleepy/internal/config"
)

// ParseLevel converts a configured level name to a zap level.
// WARNING maps to warn and CRITICAL to error.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR", "CRITICAL":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// FilePath expands "{date}" in a configured log path.
func FilePath(pattern string, now time.Time) string {
	return strings.ReplaceAll(pattern, "{date}", now.Format("2006-01-02"))
}

// New builds the root logger: a console core on stderr and, when cfg.File is
// set, a JSON file core. The returned cleanup closes the file.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	cleanup := func() {}
	if cfg.File != "" {
		fileLevel := level
		if cfg.FileLevel != "" {
			if fileLevel, err = ParseLevel(cfg.FileLevel); err != nil {
				return nil, nil, err
			}
		}

		path := FilePath(cfg.File, time.Now())
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cleanup = func() { f.Close() }

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(f),
			fileLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, cleanup, nil
}
