// Package logging builds the zerolog loggers used by xrpc programs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the minimum level and output format.
type Config struct {
	Level   string `koanf:"level"`
	Console bool   `koanf:"console"`
	// Writer defaults to os.Stderr.
	Writer io.Writer `koanf:"-"`
}

// New returns a logger with a timestamp and the given level. Console output
// is human-readable; otherwise one JSON object per line.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: invalid level %q", cfg.Level)
		}
		level = l
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
