package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Diagf receives diagnostics-only events such as superseded pipeline runs.
// It is muted by default; SetDiagLogger turns it on.
var Diagf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDiagLogger replaces the diagnostics logger. Passing nil mutes it.
func SetDiagLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Diagf = func(string, ...interface{}) {}
		return
	}
	Diagf = f
}
