package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/cell/internal"
	"github.com/cruciblehq/cell/internal/cli"
	"github.com/moby/sys/reexec"
)

// The entry point for cell.
//
// Hands over to the container init entry point when re-executed by the
// runtime. Otherwise initializes logging, displays startup information, and
// executes the root command. If any error occurs during execution, it exits
// with a non-zero code.
func main() {
	if reexec.Init() {
		return
	}

	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("cell is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a logger seeded from build-time linker flags.
//
// The logger is reconfigured after flag parsing via cli.Execute.
func logger() *slog.Logger {
	internal.SetLogLevel(internal.LogLevel(internal.IsDebug(), internal.IsQuiet()))
	return internal.NewLogger(os.Stderr, internal.IsVerbose())
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
