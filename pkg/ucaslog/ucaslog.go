// Package ucaslog is the dispatcher's thin structured-logging wrapper.
// Every other package logs through here instead of reaching for
// fmt.Printf, so log destination/format/level are configured once.
package ucaslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// L is the package-level logger. Replace it (e.g. in tests, or to
// redirect to a file) with Set.
var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger()

// Set installs a logger writing to w at the given level.
func Set(w io.Writer, level zerolog.Level) {
	L = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Silence installs a logger that drops everything, for quiet test runs.
func Silence() {
	L = zerolog.Nop()
}
