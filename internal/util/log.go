package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return lvl
}

func NewLogger(level string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(parseLevel(level))
}

// NewFileLogger writes to stdout and to a size-rotated file. The returned closer releases the file.
func NewFileLogger(level, path string) (zerolog.Logger, io.Closer) {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	out := zerolog.MultiLevelWriter(os.Stdout, file)
	return zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level)), file
}
