package logger

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Mutex to protect logger initialization
	loggerMutex sync.RWMutex
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Config holds the logger configuration
type Config struct {
	Level       LogLevel `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"` // "json" or "console"
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:       InfoLevel,
		Development: false,
		Encoding:    "console",
	}
}

// DevelopmentConfig returns a development logger configuration
func DevelopmentConfig() *Config {
	return &Config{
		Level:       DebugLevel,
		Development: true,
		Encoding:    "console",
	}
}

// Initialize replaces the global logger with one built from config.
func Initialize(config *Config) error {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	return initialize(config)
}

// InitializeDevelopment initializes the global logger with development configuration
func InitializeDevelopment() error {
	return Initialize(DevelopmentConfig())
}

// GetLogger returns the global logger, building a default one on first use.
func GetLogger() *zap.SugaredLogger {
	loggerMutex.RLock()
	if Logger != nil {
		defer loggerMutex.RUnlock()
		return Logger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	// another goroutine may have won the race
	if Logger != nil {
		return Logger
	}
	if err := initialize(DefaultConfig()); err != nil {
		panic("Failed to initialize default logger: " + err.Error())
	}
	return Logger
}

// initialize builds the logger; callers hold loggerMutex.
func initialize(config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	levelName := string(config.Level)
	if levelName == "" {
		levelName = string(InfoLevel)
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", levelName)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if config.Encoding != "" {
		zapConfig.Encoding = config.Encoding
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.CallerKey = "caller"
	zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return errors.Wrap(err, "failed to build zap logger")
	}

	Logger = logger.Sugar()
	return nil
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...any) {
	GetLogger().Debugf(template, args...)
}

// Info logs an info message
func Info(args ...any) {
	GetLogger().Info(args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...any) {
	GetLogger().Infof(template, args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...any) {
	GetLogger().Warnf(template, args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...any) {
	GetLogger().Errorf(template, args...)
}

// Named creates a named logger, one per component. Its calls are not routed
// through the package helpers, so the helper caller skip is undone.
func Named(name string) *zap.SugaredLogger {
	return GetLogger().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(name)
}

// Sync flushes any buffered log entries
func Sync() error {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

// WrapError logs err with context and returns it wrapped with the same context.
func WrapError(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}

	contextMsg := msg
	if len(args) > 0 {
		contextMsg = fmt.Sprintf(msg, args...)
	}

	GetLogger().With(
		"error", err.Error(),
		"context", contextMsg,
	).Error("Error occurred with context")

	return errors.Wrap(err, contextMsg)
}

// LogIfError logs err as a warning if it is not nil and returns it unchanged.
// Used on best-effort paths where the caller carries on regardless.
func LogIfError(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}

	contextMsg := msg
	if len(args) > 0 {
		contextMsg = fmt.Sprintf(msg, args...)
	}

	GetLogger().With("error", err.Error()).Warn(contextMsg)
	return err
}
