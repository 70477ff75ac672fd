package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debug gates Debugf output. Off by default; the daemon enables it with -debug.
var Debug bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Debugf logs through Logf only when Debug is enabled. The pipeline uses it
// for per-signal decisions (filter tiers, detector verdicts) that would be
// noise at a 5-second poll cadence.
func Debugf(format string, v ...interface{}) {
	if Debug {
		Logf(format, v...)
	}
}
