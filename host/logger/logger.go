// Package logger is the process-wide zap logger shared by the node and the
// host tools: a console core teed with an optional rotating file core.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int8

const (
	DebugLevel LogLevel = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel maps a config or flag value to a level. Unknown names give info.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	}
	return InfoLevel
}

// Config selects where log lines go. An empty File logs to the console only.
type Config struct {
	Level      LogLevel
	File       string
	Color      bool
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

func newEncoder(color bool) zapcore.Encoder {
	level := zapcore.CapitalLevelEncoder
	if color {
		level = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "message",
		LevelKey:         "level",
		TimeKey:          "time",
		CallerKey:        "caller",
		EncodeLevel:      level,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	})
}

func newFileCore(encoder zapcore.Encoder, level zapcore.Level, cfg Config) zapcore.Core {
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(file), level)
}

// New builds a logger writing to the console and, if configured, a file.
func New(cfg Config) *zap.Logger {
	level := zapcore.Level(cfg.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(cfg.Color), zapcore.Lock(os.Stderr), level),
	}
	if cfg.File != "" {
		// Escape codes stay out of files.
		cores = append(cores, newFileCore(newEncoder(false), level, cfg))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// InitLogger replaces the process logger.
func InitLogger(cfg Config) {
	Set(New(cfg))
}

// Set installs l as the process logger; tests use zaptest or observer loggers.
func Set(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Sync() error {
	return L().Sync()
}

func Debugf(format string, args ...interface{}) {
	L().Sugar().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	L().Sugar().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	L().Sugar().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	L().Sugar().Errorf(format, args...)
}

// DebugWriter adapts the logger to a line sink such as core.SetDebugWriter.
func DebugWriter() func(string) {
	return func(s string) {
		L().Debug(s)
	}
}
