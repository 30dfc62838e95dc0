// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

type Options struct {
	Env        string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Out defaults to os.Stdout.
	Out io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a JSON logger, or a console logger in development. When File
// is set, output is duplicated into a size-rotated file; the returned closer
// flushes and closes it.
func New(opts Options) (zerolog.Logger, io.Closer) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closer = rotator
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer
}
