package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	zap.ReplaceGlobals(zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(config()),
		zapcore.Lock(os.Stdout),
		logLevel,
	)))
}

func config() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// Debug logs a debug message followed by alternating
// key/value pairs. Refer to:
// https://godoc.org/go.uber.org/zap#SugaredLogger.Debugw
// for more details.
func Debug(msg string, keysAndValues ...interface{}) {
	zap.S().Debugw(msg, keysAndValues...)
}

// Info logs an info message followed by alternating
// key/value pairs.
func Info(msg string, keysAndValues ...interface{}) {
	zap.S().Infow(msg, keysAndValues...)
}

// Warn logs a warning message followed by alternating
// key/value pairs.
func Warn(msg string, keysAndValues ...interface{}) {
	zap.S().Warnw(msg, keysAndValues...)
}

// Error logs an error message followed by alternating
// key/value pairs.
func Error(msg string, keysAndValues ...interface{}) {
	zap.S().Errorw(msg, keysAndValues...)
}

// Panic logs a message and then panics.
func Panic(msg string, keysAndValues ...interface{}) {
	zap.S().Panicw(msg, keysAndValues...)
}

// Fatal logs a fatal message and exits the process.
func Fatal(msg string, keysAndValues ...interface{}) {
	zap.S().Fatalw(msg, keysAndValues...)
}

// SetLevel sets the log level by specifying a string which
// can be any of: ["DEBUG", "INFO", "WARN", "ERROR", "PANIC",
// "FATAL"], case-insensitive.
func SetLevel(level string) error {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		logLevel.SetLevel(zapcore.DebugLevel)
	case "", "INFO":
		logLevel.SetLevel(zapcore.InfoLevel)
	case "WARN", "WARNING":
		logLevel.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		logLevel.SetLevel(zapcore.ErrorLevel)
	case "PANIC":
		logLevel.SetLevel(zapcore.PanicLevel)
	case "FATAL":
		logLevel.SetLevel(zapcore.FatalLevel)
	default:
		return fmt.Errorf("invalid log level string: %v", level)
	}

	return nil
}

// GetLevel returns the currently configured level.
func GetLevel() zapcore.Level {
	return logLevel.Level()
}
