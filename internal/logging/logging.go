// Package logging builds the process-wide zerolog logger. Each daemon
// constructs one logger at startup and passes it down explicitly.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a structured logger tagged with the component name.
// Level strings follow zerolog ("debug", "info", "warn", "error");
// unknown values fall back to info.
func New(component, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
