// Parses flags, configures logging and runs stagehand commands.
//
// The root command accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path of the daemon.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the selected command runs.
//
// The build and stages commands run in process by default, and through a
// running daemon with --daemon. The start, status and stop commands manage
// the daemon.
package cli
