package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a config/flag string to a level. Unknown strings map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// RotationConfig bounds the size and retention of a rotated log file.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	MaxBackups int  `yaml:"maxBackups"`
	Compress   bool `yaml:"compress"`
}

// NewRotatingFile returns a size-rotated file writer for path.
func NewRotatingFile(path string, rc RotationConfig) io.WriteCloser {
	maxSize := rc.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxAge:     rc.MaxAgeDays,
		MaxBackups: rc.MaxBackups,
		Compress:   rc.Compress,
	}
}

type Logger struct {
	mu         sync.Mutex
	minLevel   LogLevel
	out        io.Writer
	closer     io.Closer
	alsoStdout bool
	now        func() time.Time
}

// NewLogger writes log lines to w. A nil w discards output.
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{minLevel: minLevel, out: w, now: time.Now}
}

// NewFileLogger writes to a rotated file at filePath and optionally mirrors to stdout.
func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool, rc RotationConfig) *Logger {
	f := NewRotatingFile(filePath, rc)
	return &Logger{
		minLevel:   minLevel,
		out:        f,
		closer:     f,
		alsoStdout: alsoStdout,
		now:        time.Now,
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.minLevel
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	ts := l.now().Format(time.RFC3339Nano)
	line := fmt.Sprintf("%s [%s] %s\n", ts, level.String(), fmt.Sprintf(msg, args...))

	_, _ = io.WriteString(l.out, line)
	if l.alsoStdout {
		_, _ = os.Stdout.WriteString(line)
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
