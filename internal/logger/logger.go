package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// Debug level for detailed troubleshooting
	Debug LogLevel = iota
	// Info level for general operational entries
	Info
	// Warn level for non-critical issues
	Warn
	// Error level for errors that need attention
	Error
)

// Logger is a leveled logger writing to stdout and optionally a rotated file.
type Logger struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	level       LogLevel
	mu          sync.Mutex
	rotator     *lumberjack.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Config holds logger configuration
type Config struct {
	// LogLevel sets the minimum level to log
	LogLevel LogLevel
	// LogFile is the path to the log file. If empty, logs to stdout only
	LogFile string
	// MaxSizeMB is the maximum size in MB before log rotation
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep
	MaxBackups int
}

// Initialize sets up the default logger with configuration
func Initialize(config Config) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(config)
	})
	return err
}

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	writers := []io.Writer{os.Stdout}

	var rotator *lumberjack.Logger
	if config.LogFile != "" {
		config.LogFile = filepath.Clean(config.LogFile)
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		maxBackups := config.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		rotator = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		writers = append(writers, rotator)
	}

	multiWriter := io.MultiWriter(writers...)
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

	return &Logger{
		debugLogger: log.New(multiWriter, "DEBUG: ", flags),
		infoLogger:  log.New(multiWriter, "INFO: ", flags),
		warnLogger:  log.New(multiWriter, "WARN: ", flags),
		errorLogger: log.New(multiWriter, "ERROR: ", flags),
		level:       config.LogLevel,
		rotator:     rotator,
	}, nil
}

// Close flushes and closes the rotated log file if one is open.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Debug {
		l.debugLogger.Printf(format, v...)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Info {
		l.infoLogger.Printf(format, v...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Warn {
		l.warnLogger.Printf(format, v...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= Error {
		l.errorLogger.Printf(format, v...)
	}
}

// GetLogger returns the default logger instance, initializing a
// stdout-only logger if Initialize was never called.
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger, _ = NewLogger(Config{LogLevel: Info})
	})
	return defaultLogger
}

// ParseLogLevel converts a string level to LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return Debug, nil
	case "info", "INFO":
		return Info, nil
	case "warn", "WARN":
		return Warn, nil
	case "error", "ERROR":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level: %s", level)
	}
}
