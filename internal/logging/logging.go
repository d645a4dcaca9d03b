// Package logging wraps the standard logger with level tags
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

var verbose atomic.Bool

// SetVerbose enables [DEBUG] output
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Setup points the standard logger at file (stderr when empty) and sets verbosity.
// The returned closer releases the log file.
func Setup(file string, isVerbose bool) (io.Closer, error) {
	SetVerbose(isVerbose)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if file == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", file, err)
	}
	log.SetOutput(f)
	return f, nil
}

// Debugf logs a [DEBUG] line when verbose output is enabled
func Debugf(format string, args ...any) {
	if verbose.Load() {
		log.Output(2, "[DEBUG] "+fmt.Sprintf(format, args...))
	}
}

// Infof logs an [INFO] line
func Infof(format string, args ...any) {
	log.Output(2, "[INFO] "+fmt.Sprintf(format, args...))
}

// Warnf logs a [WARN] line
func Warnf(format string, args ...any) {
	log.Output(2, "[WARN] "+fmt.Sprintf(format, args...))
}

// Errorf logs an [ERROR] line
func Errorf(format string, args ...any) {
	log.Output(2, "[ERROR] "+fmt.Sprintf(format, args...))
}
