// Package logger builds the process logger for the tokenflow command.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and sinks of the logger.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// File, when set, receives JSON logs rotated by size.
	File       string
	MaxSizeMB  int // default 100
	MaxBackups int // default 3
	MaxAgeDays int // default 28

	// Console receives human-readable logs. Nil means stdout.
	Console io.Writer
}

// Logger is a zap logger whose level can be changed while running.
type Logger struct {
	*zap.Logger
	atom zap.AtomicLevel
	file *lumberjack.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(console)), atom),
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), atom))
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...), zap.AddCaller()),
		atom:   atom,
		file:   file,
	}, nil
}

// SetLevel changes the level of every sink. Unknown names leave it unchanged.
func (l *Logger) SetLevel(name string) error {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return err
	}
	l.atom.SetLevel(level)
	return nil
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.atom.Level().String()
}

// Close flushes buffered entries and closes the log file, if any.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
