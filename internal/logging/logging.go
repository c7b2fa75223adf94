package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger handles debug logging to file and stderr.
// Errors always reach stderr; everything else goes to the debug log file
// only when debugging is enabled.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	enabled atomic.Bool
	sugar   atomic.Pointer[zap.SugaredLogger]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.init()
	})
	return defaultLogger
}

func (l *Logger) init() {
	l.sugar.Store(zap.New(stderrCore()).Sugar())

	if os.Getenv("HOGSIM_DEBUG") == "1" {
		if err := l.enable("HOGSIM_DEBUG=1"); err != nil {
			fmt.Fprintf(os.Stderr, "hogsim log: %v\n", err)
		}
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hogsim log: failed to get home dir: %v\n", err)
		return
	}
	if _, err := os.Stat(filepath.Join(home, ".hogsim", "debug")); err == nil {
		if err := l.enable("~/.hogsim/debug exists"); err != nil {
			fmt.Fprintf(os.Stderr, "hogsim log: %v\n", err)
		}
	}
}

// Enable turns on file logging at runtime (used by --debug).
// Calling it when logging is already enabled is a no-op.
func (l *Logger) Enable() error {
	return l.enable("--debug")
}

func (l *Logger) enable(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home dir: %w", err)
	}
	logsDir := filepath.Join(home, ".hogsim", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs dir %s: %w", logsDir, err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("hogsim-%s.log", timestamp))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.attach(file)
	l.file = file
	l.Info("Logging started (%s)", reason)
	l.Info("Log file: %s", logPath)
	return nil
}

// attach tees a debug-level file core next to the stderr error core.
func (l *Logger) attach(w io.Writer) {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), zapcore.DebugLevel)
	l.sugar.Store(zap.New(zapcore.NewTee(fileCore, stderrCore())).Sugar())
	l.enabled.Store(true)
}

func stderrCore() zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.ErrorLevel)
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled.Load()
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Debugf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Infof(format, args...)
}

// Warn logs a warning (file only).
func (l *Logger) Warn(format string, args ...any) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Warnf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	l.sugar.Load().Errorf(format, args...)
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Debugw("request", "action", action, "raw", truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Debugw("response", "type", msgType, "raw", truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.Enabled() {
		return
	}
	l.sugar.Load().Debugw("stream", "event", eventType, "content", truncate(content, 200))
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	_ = l.sugar.Load().Sync()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
