// Parses flags and dispatches the cell sub-commands.
//
// The following global flags are accepted:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	    --root      Base directory for images and containers.
//	    --config    Registries file.
//
// Sub-commands:
//
//	run <image> <command> [args...] [--pids.max N] [--registry R] [--env K=V]
//	pull <image> [--registry R]
//	images [--remove NAME]
//	version
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the sub-command runs.
package cli
