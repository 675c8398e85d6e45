package internal

import (
	"strconv"
	"sync/atomic"
)

var (
	quiet   atomic.Bool // Only warnings and errors are logged.
	debug   atomic.Bool // Debug records are logged.
	verbose atomic.Bool // Records carry source locations.
)

// Seeds the modes from the link-time defaults. Unparseable values are
// treated as false.
func init() {
	seed := []struct {
		raw  string
		mode *atomic.Bool
	}{
		{rawQuiet, &quiet},
		{rawDebug, &debug},
		{rawVerbose, &verbose},
	}
	for _, s := range seed {
		if v, err := strconv.ParseBool(s.raw); err == nil {
			s.mode.Store(v)
		}
	}
}

// Enables or disables quiet mode.
func SetQuiet(enabled bool) { quiet.Store(enabled) }

// Reports whether quiet mode is enabled.
func IsQuiet() bool { return quiet.Load() }

// Enables or disables debug logging.
func SetDebug(enabled bool) { debug.Store(enabled) }

// Reports whether debug logging is enabled.
func IsDebug() bool { return debug.Load() }

// Enables or disables verbose logging.
func SetVerbose(enabled bool) { verbose.Store(enabled) }

// Reports whether verbose logging is enabled.
func IsVerbose() bool { return verbose.Load() }
