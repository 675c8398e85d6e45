package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for the CLI, the log group and directory names.
	Name = "cell"

	// Placeholder for a variable that was not set at link time.
	undefined = "(undefined)"

	// Version string reported by builds made outside the release pipeline.
	localBuild = "(local)"

	// Release branch. Builds from it omit the stage suffix.
	releaseBranch = "main"
)

// Set with -ldflags "-X github.com/cruciblehq/cell/internal.<var>=<value>".
var (
	version   = "" // Release number (e.g., "0.4.1").
	stage     = "" // Branch the build was cut from (e.g., "main").
	gitCommit = "" // Commit hash of the build.

	rawQuiet   = "false" // Default for quiet mode.
	rawDebug   = "false" // Default for debug logging.
	rawVerbose = "false" // Default for verbose logging.
)

// Returns the release number without any "v" prefix, or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the lower-cased branch the build was cut from, or "(undefined)".
func Stage() string {
	return orUndefined(strings.ToLower(strings.TrimSpace(stage)))
}

// Returns the commit hash of the build, or "(undefined)".
func GitCommit() string {
	return orUndefined(strings.TrimSpace(gitCommit))
}

// Reports whether any of the release variables was left unset.
func IsLocal() bool {
	for _, v := range []string{version, stage, gitCommit} {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

// Returns "(local)" for local builds, otherwise
// "<version>[+<stage>] <commit> [<os>/<arch>]".
func VersionString() string {
	if IsLocal() {
		return localBuild
	}

	suffix := ""
	if s := Stage(); s != releaseBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s/%s]", Version(), suffix, GitCommit(), runtime.GOOS, runtime.GOARCH)
}

func orUndefined(s string) string {
	if s == "" {
		return undefined
	}
	return s
}
