package pkg

import (
	"io"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge firmware component identifiers.
const (
	ComponentKernel Component = "kernel"
	ComponentLink   Component = "link"
	ComponentUSB    Component = "usb"
	ComponentBOT    Component = "bot"
	ComponentNVMe   Component = "nvme"
	ComponentDMA    Component = "dma"
	ComponentFlash  Component = "flash"
	ComponentBridge Component = "bridge"
	ComponentSim    Component = "sim"
	ComponentStore  Component = "store"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the logger used by all firmware components.
	DefaultLogger *zap.Logger

	// logLevel controls the minimum log level.
	logLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	DefaultLogger = NewLogger(os.Stderr, nil)
}

// SetLogLevel sets the minimum log level for all firmware logging.
func SetLogLevel(level zapcore.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zapcore.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *zap.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	switch format {
	case LogFormatJSON:
		DefaultLogger = NewJSONLogger(os.Stderr, nil)
	default:
		DefaultLogger = NewLogger(os.Stderr, nil)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// NewLogger creates a new console logger writing to the given writer.
// A nil level uses the shared level set by [SetLogLevel].
func NewLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	if level == nil {
		level = logLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(w), level)
	return zap.New(core)
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
// A nil level uses the shared level set by [SetLogLevel].
func NewJSONLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	if level == nil {
		level = logLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), level)
	return zap.New(core)
}

// Logr returns a logr.Logger tagged with the given component and backed by
// the current default logger.
func Logr(component Component) logr.Logger {
	return zapr.NewLogger(current()).WithValues("component", string(component))
}

func current() *zap.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	current().Sugar().Debugw(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	current().Sugar().Infow(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	current().Sugar().Warnw(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	current().Sugar().Errorw(msg, append([]any{"component", string(component)}, args...)...)
}
