package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var zapLevels = map[Level]zapcore.Level{
	DEBUG: zapcore.DebugLevel,
	INFO:  zapcore.InfoLevel,
	WARN:  zapcore.WarnLevel,
	ERROR: zapcore.ErrorLevel,
	FATAL: zapcore.FatalLevel,
}

// Logger provides structured logging capabilities
type Logger struct {
	root      *zap.Logger
	zl        *zap.Logger
	level     Level
	component string
	format    string // "text" or "json"
}

// Fields represents structured logging fields
type Fields map[string]interface{}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(level, format string, component string) {
	once.Do(func() {
		defaultLogger = New(level, format, component)
	})
}

// New creates a new logger instance writing to stdout
func New(levelStr, format, component string) *Logger {
	return NewWithWriter(levelStr, format, component, os.Stdout)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(levelStr, format, component string, w io.Writer) *Logger {
	level := parseLevel(levelStr)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// FATAL entries are written at error severity so Fatal controls the exit
	coreLevel := zapLevels[level]
	if coreLevel > zapcore.ErrorLevel {
		coreLevel = zapcore.ErrorLevel
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(coreLevel))
	root := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zapcore.FatalLevel))
	zl := root
	if component != "" {
		zl = root.With(zap.String("component", component))
	}

	return &Logger{
		root:      root,
		zl:        zl,
		level:     level,
		component: component,
		format:    format,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{root: zap.NewNop(), zl: zap.NewNop(), level: FATAL}
}

// WithComponent creates a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		root:      l.root,
		zl:        l.root.With(zap.String("component", component)),
		level:     l.level,
		component: component,
		format:    l.format,
	}
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{
		root:      l.root.With(toZap(fields)...),
		zl:        l.zl.With(toZap(fields)...),
		level:     l.level,
		component: l.component,
		format:    l.format,
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, mergeFields(fields...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(FATAL, msg, mergeFields(fields...))
	os.Exit(1)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// log performs the actual logging
func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}

	zf := toZap(fields)
	switch level {
	case DEBUG:
		l.zl.Debug(msg, zf...)
	case INFO:
		l.zl.Info(msg, zf...)
	case WARN:
		l.zl.Warn(msg, zf...)
	case ERROR:
		l.zl.Error(msg, zf...)
	case FATAL:
		if ce := l.zl.Check(zapcore.ErrorLevel, msg); ce != nil {
			ce.Write(append(zf, zap.String("severity", "FATAL"))...)
		}
	}
}

func toZap(fields Fields) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			zf = append(zf, zap.NamedError(k, val))
		default:
			zf = append(zf, zap.Any(k, val))
		}
	}
	return zf
}

// parseLevel converts string to Level
func parseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// mergeFields combines multiple Fields maps
func mergeFields(fields ...Fields) Fields {
	if len(fields) == 0 {
		return Fields{}
	}

	result := Fields{}
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

// Default logger convenience functions
func Debug(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	} else {
		log.Printf("[DEBUG] %s", msg)
	}
}

func Info(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	} else {
		log.Printf("[INFO] %s", msg)
	}
}

func Warn(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	} else {
		log.Printf("[WARN] %s", msg)
	}
}

func Error(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	} else {
		log.Printf("[ERROR] %s", msg)
	}
}

func Fatal(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Fatal(msg, fields...)
	} else {
		log.Fatalf("[FATAL] %s", msg)
	}
}

// GetDefault returns the default logger
func GetDefault() *Logger {
	return defaultLogger
}
