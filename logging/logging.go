// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and destinations of the process logger.
type Options struct {
	Level string
	// File enables a rotating log file at this path.
	File string
	// Console tees output to stderr. Without File, stderr is always used.
	Console bool
	JSON    bool
}

// New builds a logger. The returned closer releases the log file.
func New(options Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if options.Level != "" {
		parsed, err := logrus.ParseLevel(options.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	if options.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if options.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(options.File), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	fileWriter := &lumberjack.Logger{
		Filename:   options.File,
		MaxSize:    5,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}

	if options.Console {
		logger.SetOutput(io.MultiWriter(os.Stderr, fileWriter))
	} else {
		logger.SetOutput(fileWriter)
	}
	return logger, fileWriter, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
