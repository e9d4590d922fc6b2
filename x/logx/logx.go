// Package logx builds the process logger. Library packages only ever see a
// logr.Logger; the zerolog backend is chosen here.
package logx

import (
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// ParseLevel maps a config string to a zerolog level. Unknown strings fall
// back to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// New returns a logr.Logger writing to w. Console output is the human format
// used on the debug UART and terminals; otherwise JSON lines are written.
func New(w io.Writer, level string, console bool) logr.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	zerologr.SetMaxV(2)

	lvl := ParseLevel(level)
	zl := zerolog.New(w)
	if console {
		zl = zl.Output(zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.TimeOnly})
	}
	zl = zl.Level(lvl).With().Timestamp().Logger()
	return zerologr.New(&zl)
}
