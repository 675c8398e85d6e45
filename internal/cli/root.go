package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/cell/internal"
	"github.com/cruciblehq/cell/internal/paths"
	"github.com/cruciblehq/cell/internal/registry"
	"github.com/cruciblehq/cell/internal/runtime"
)

// Represents the root command for cell.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Root    string     `help:"Override the base directory for images and containers." placeholder:"PATH" type:"path"`
	Config  string     `help:"Override the registries file." placeholder:"PATH" type:"path"`
	Run     RunCmd     `cmd:"" help:"Run a command in a new container."`
	Pull    PullCmd    `cmd:"" help:"Pull an image from a registry."`
	Images  ImagesCmd  `cmd:"" help:"List or remove cached images."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("A minimal container runtime.\n\nRuns commands in isolated namespaces on root filesystems built from archives or registry images."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	internal.SetLogLevel(internal.LogLevel(internal.IsDebug(), internal.IsQuiet()))
	if internal.IsVerbose() {
		slog.SetDefault(internal.NewLogger(os.Stderr, true))
	}
}

// Creates a runtime from the global flags.
func newRuntime() (*runtime.Runtime, error) {
	root := RootCmd.Root
	if root == "" {
		root = paths.Root()
	}

	configPath := RootCmd.Config
	if configPath == "" {
		configPath = paths.RegistriesFile()
	}
	registries, err := registry.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return runtime.New(runtime.Config{Root: root, Registries: registries})
}
