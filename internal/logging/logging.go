// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ftsync/ftsync/internal/config"
)

// Setup installs the global logger described by cfg. A non-empty
// levelOverride (from the command line) wins over cfg.Level. The returned
// closer flushes and closes file and Loki sinks.
func Setup(cfg config.LogConfig, levelOverride string) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	levelName := cfg.Level
	if levelOverride != "" {
		levelName = levelOverride
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if !cfg.JSON {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	writers := []io.Writer{console}
	var closers multiCloser

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closers = append(closers, lj)
	}

	if cfg.Loki.URL != "" {
		lw := NewLokiWriter(cfg.Loki)
		lw.Start()
		writers = append(writers, lw)
		closers = append(closers, lw)
	}

	if len(writers) == 1 {
		log.Logger = log.Output(console)
	} else {
		log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	}

	if err != nil && levelName != "" {
		log.Warn().Str("level", levelName).Msg("unknown log level, using info")
	}
	return closers
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
