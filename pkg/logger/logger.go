package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
	mu   sync.RWMutex
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Format     string // json or console
	OutputPath string
	ErrorPath  string
}

// ConfigFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT_PATH and LOG_ERROR_PATH.
func ConfigFromEnv() *Config {
	return &Config{
		Level:      LogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
		Format:     getEnvOrDefault("LOG_FORMAT", "json"),
		OutputPath: getEnvOrDefault("LOG_OUTPUT_PATH", "stdout"),
		ErrorPath:  getEnvOrDefault("LOG_ERROR_PATH", "stderr"),
	}
}

// InitLogger initializes the global logger with configuration
func InitLogger(config *Config) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = NewLogger(config)
		if err == nil {
			set(l)
		}
	})
	return err
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = &Config{
			Level:      InfoLevel,
			Format:     "json",
			OutputPath: "stdout",
			ErrorPath:  "stderr",
		}
	}
	if config.Format != "console" {
		config.Format = "json"
	}

	level := zapcore.InfoLevel
	switch config.Level {
	case DebugLevel:
		level = zapcore.DebugLevel
	case WarnLevel:
		level = zapcore.WarnLevel
	case ErrorLevel:
		level = zapcore.ErrorLevel
	case FatalLevel:
		level = zapcore.FatalLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if config.Format == "console" {
		encoderConfig = getConsoleEncoderConfig()
	} else {
		encoderConfig = getJSONEncoderConfig()
	}

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         config.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{config.OutputPath},
		ErrorOutputPaths: []string{config.ErrorPath},
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
	}

	return loggerConfig.Build(
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// getJSONEncoderConfig returns the JSON encoder configuration
func getJSONEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// getConsoleEncoderConfig returns the console encoder configuration
func getConsoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func set(l *zap.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// L returns the global logger instance, building one from the environment on first use.
func L() *zap.Logger {
	once.Do(func() {
		l, err := NewLogger(ConfigFromEnv())
		if err != nil {
			l, _ = zap.NewProduction()
		}
		set(l)
	})
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// ReplaceGlobal swaps the global logger and returns a function restoring the previous one.
func ReplaceGlobal(l *zap.Logger) func() {
	prev := L()
	set(l)
	return func() { set(prev) }
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// RequestLogger creates a logger with request context
func RequestLogger(requestID, method, path string) *zap.Logger {
	return L().With(
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("component", "http"),
	)
}

// ServiceLogger creates a logger for service layer
func ServiceLogger(service string) *zap.Logger {
	return L().With(
		zap.String("component", "service"),
		zap.String("service", service),
	)
}

// RepositoryLogger creates a logger for repository layer
func RepositoryLogger(repository string) *zap.Logger {
	return L().With(
		zap.String("component", "repository"),
		zap.String("repository", repository),
	)
}

// HandlerLogger creates a logger for handler layer
func HandlerLogger(handler string) *zap.Logger {
	return L().With(
		zap.String("component", "handler"),
		zap.String("handler", handler),
	)
}

// PipelineLogger creates a logger scoped to one classification run.
func PipelineLogger(sessionID, userID string) *zap.Logger {
	return L().With(
		zap.String("component", "pipeline"),
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if log != nil {
		return log.Sync()
	}
	return nil
}
