// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

// New returns a logger writing to w. format selects the encoding: "ecs"
// emits Elastic Common Schema JSON, "console" pretty-prints, anything else
// is plain zerolog JSON. An unparsable level falls back to info.
func New(w io.Writer, format, level string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	switch format {
	case "ecs":
		logger = ecszerolog.New(w)
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(w).With().Timestamp().Logger()
	}
	return logger.Level(lvl).With().Str("app", "patient-api").Logger()
}
