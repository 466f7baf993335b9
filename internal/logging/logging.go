package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output format
type Config struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // trace|debug|info|warn|error
	Format string `yaml:"format" envconfig:"FORMAT"` // console|json
	File   string `yaml:"file" envconfig:"FILE"`     // optional extra JSON sink
}

// New creates a zerolog logger writing to stderr, plus File when set.
// The returned closer releases the log file and is never nil.
func New(cfg Config) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}

	return NewWithWriter(out, level), closer, nil
}

// NewWithWriter creates a timestamped logger on w at level
func NewWithWriter(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// TraceDuration logs start and end with elapsed duration at DEBUG level.
// Usage: defer logging.TraceDuration(logger, "enumerate")()
func TraceDuration(logger zerolog.Logger, name string) func() {
	start := time.Now()
	logger.Debug().Str("op", name).Msg("start")
	return func() {
		logger.Debug().Str("op", name).Dur("duration", time.Since(start)).Msg("finish")
	}
}
