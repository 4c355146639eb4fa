// Package logger provides leveled logging with text and JSON line formats.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides leveled logging.
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	out    io.Writer
	logger *log.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format ("text" or "json").
func Init(level string, format string) {
	defaultLogger = newLogger(os.Stderr, ParseLevel(level), strings.ToLower(format) == "json")
}

// SetOutput redirects the default logger, initializing it at debug level if needed.
func SetOutput(w io.Writer) {
	if defaultLogger == nil {
		defaultLogger = newLogger(w, DebugLevel, false)
		return
	}
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.out = w
	defaultLogger.logger.SetOutput(w)
}

func newLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile
	if jsonFormat {
		flags = 0
	}
	return &Logger{
		level:  level,
		json:   jsonFormat,
		out:    w,
		logger: log.New(w, "", flags),
	}
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func (l *Logger) output(level Level, format string, args ...interface{}) {
	if l == nil || l.level > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.json {
		b, err := json.Marshal(jsonLine{
			Time:  time.Now().UTC().Format(time.RFC3339Nano),
			Level: strings.ToLower(levelNames[level]),
			Msg:   msg,
		})
		if err != nil {
			return
		}
		l.mu.Lock()
		_, _ = l.out.Write(append(b, '\n'))
		l.mu.Unlock()
		return
	}
	_ = l.logger.Output(3, "["+levelNames[level]+"] "+msg)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.output(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.output(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.output(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.output(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	if defaultLogger != nil {
		_ = defaultLogger.logger.Output(2, msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}
