package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the global logger: console output on stderr plus,
// when file is set, JSON lines into a rotated log file. The returned closer
// flushes the file.
func setupLogging(level, file string) io.Closer {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	if file == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nopCloser{}
	}

	rotated := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, rotated)).With().Timestamp().Logger()
	return rotated
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
