// Package observability owns the process-wide zap loggers.
//
// CLILogger writes human-oriented console output for cobra commands;
// ServerLogger writes structured JSON for the daemon. Both default to
// no-ops so packages can log before Init runs (tests, early CLI paths).
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by interactive commands.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP facade and background workers.
	ServerLogger = zap.NewNop()
)

// Init builds the loggers for the given level and profile.
//
// Profiles: "STRUCTURED" (JSON, production encoder) or "CONSOLE"
// (development encoder).
func Init(level, profile string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", "STRUCTURED":
		cfg = zap.NewProductionConfig()
	case "CONSOLE":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	server, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	cliCfg := zap.NewDevelopmentConfig()
	cliCfg.Level = zap.NewAtomicLevelAt(lvl)
	cliCfg.DisableStacktrace = true
	cli, err := cliCfg.Build()
	if err != nil {
		return fmt.Errorf("build cli logger: %w", err)
	}

	ServerLogger = server
	CLILogger = cli
	return nil
}

// Sync flushes both loggers. Safe to call on no-op loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
