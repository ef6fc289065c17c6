package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/stagehand/internal"
)

// Represents the root command for stagehand.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Socket  string     `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	Build   BuildCmd   `cmd:"" help:"Build the target stages of a recipe."`
	Stages  StagesCmd  `cmd:"" help:"List the stages of a recipe in execution order."`
	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Status  StatusCmd  `cmd:"" help:"Show daemon status."`
	Stop    StopCmd    `cmd:"" help:"Stop the daemon."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Flags shared by commands that talk to containerd.
type ContainerdFlags struct {
	ContainerdAddress string `name:"containerd-address" env:"STAGEHAND_CONTAINERD_ADDRESS" default:"/run/containerd/containerd.sock" help:"Containerd socket address." placeholder:"PATH"`
	Namespace         string `env:"STAGEHAND_NAMESPACE" default:"stagehand" help:"Containerd namespace for images and containers."`
	CacheDir          string `name:"cache-dir" env:"STAGEHAND_CACHE_DIR" help:"Stage cache directory." placeholder:"DIR"`
}

// Level of the global logger, adjusted after flag parsing.
var logLevel = new(slog.LevelVar)

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("A multi-stage build orchestrator.\n\nExecutes the stage graph of a recipe and writes its targets as images."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Creates the global logger, seeded from build-time linker flags.
//
// The logger is reconfigured after flag parsing by [Execute].
func NewLogger() *slog.Logger {
	logLevel.Set(level())
	return newLogger(internal.IsVerbose())
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	logLevel.Set(level())
	slog.SetDefault(newLogger(internal.IsVerbose()))
}

// Returns a text logger on stderr. Verbose loggers annotate records with
// their source location.
func newLogger(verbose bool) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: verbose,
	})
	return slog.New(handler).With("app", internal.Name)
}

// Returns the log level for the current switches.
func level() slog.Level {
	switch {
	case internal.IsDebug():
		return slog.LevelDebug
	case internal.IsQuiet():
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
