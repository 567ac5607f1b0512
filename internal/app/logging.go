package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global zerolog logger. With a file the output
// is JSON lines appended to it; otherwise a console writer on w. A nil w and
// no file discards everything, which the TUI needs since it owns the
// terminal.
func SetupLogger(level, file string, w io.Writer) (closer func() error, err error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		if lvl, err = zerolog.ParseLevel(strings.ToLower(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	zerolog.SetGlobalLevel(lvl)

	closer = func() error { return nil }
	var out io.Writer
	switch {
	case file != "":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f.Close
	case w != nil:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		out = io.Discard
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}
