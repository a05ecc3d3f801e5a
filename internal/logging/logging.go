package logging

import (
	"io"

	"github.com/phuslu/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OrDiscard returns logger, or a silenced default logger when it is nil
// (which is what tests usually pass).
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	tmp := log.DefaultLogger
	tmp.Writer = &log.IOWriter{Writer: io.Discard}
	return &tmp
}

type Options struct {
	Level string
	// File switches output from the pretty console writer to a rotating
	// file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func New(opts Options) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(opts.Level)

	if opts.File == "" {
		logger.Writer = &log.ConsoleWriter{
			ColorOutput:    true,
			QuoteString:    true,
			EndWithMessage: true,
		}
		return &logger
	}

	logger.TimeFormat = ""
	logger.Writer = &log.IOWriter{
		Writer: &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		},
	}
	return &logger
}
