// Package telemetry provides the leveled logging and traffic counters used
// throughout the signalling overlay. Logging is backed by pterm, matching
// the style the rest of this module's ecosystem uses for CLI-facing output.
package telemetry

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Debugf logs at debug level — used for per-message routing decisions
// (direct hit, flood, drop-as-seen) and per-SC state transitions.
func Debugf(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// Warnf logs at warn level — used for recoverable protocol violations such
// as a JoinRequest arriving on a RelaySC.
func Warnf(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug raises the logger's level to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
