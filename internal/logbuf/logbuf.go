// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package logbuf provides leveled logging with a bounded in-memory buffer
// of recent records, backing the GET /logs endpoint.
package logbuf

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// MaxRecords is the default capacity of the in-memory record ring.
const MaxRecords = 200

// Level represents the severity of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the level name used in output and records.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level, defaulting to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Record is a structured log entry retained in memory.
type Record struct {
	Timestamp float64 `json:"timestamp"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
}

// Logger writes leveled lines to an output and retains the most recent
// records in a fixed-size ring.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	level   Level
	records []Record
	next    int
	full    bool
}

// New creates a Logger writing to out, retaining up to max records.
func New(out io.Writer, max int) *Logger {
	if max <= 0 {
		max = MaxRecords
	}
	return &Logger{
		out:     out,
		level:   InfoLevel,
		records: make([]Record, max),
	}
}

// SetLevel sets the minimum level emitted by this logger.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) output(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	now := time.Now()
	msg := fmt.Sprintf(format, args...)

	l.records[l.next] = Record{
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Level:     level.String(),
		Message:   msg,
	}
	l.next++
	if l.next == len(l.records) {
		l.next = 0
		l.full = true
	}

	if l.out != nil {
		fmt.Fprintf(l.out, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), level, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.output(DebugLevel, format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.output(InfoLevel, format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.output(WarnLevel, format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.output(ErrorLevel, format, args...) }

// Records returns the retained records, oldest first.
func (l *Logger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Record, l.next)
		copy(out, l.records[:l.next])
		return out
	}
	out := make([]Record, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}

var std = New(os.Stderr, MaxRecords)

// Default returns the process-wide logger.
func Default() *Logger { return std }

// SetLevel sets the level of the default logger.
func SetLevel(level Level) { std.SetLevel(level) }

// Debug logs a debug message to the default logger.
func Debug(format string, args ...any) { std.output(DebugLevel, format, args...) }

// Info logs an informational message to the default logger.
func Info(format string, args ...any) { std.output(InfoLevel, format, args...) }

// Warn logs a warning message to the default logger.
func Warn(format string, args ...any) { std.output(WarnLevel, format, args...) }

// Error logs an error message to the default logger.
func Error(format string, args ...any) { std.output(ErrorLevel, format, args...) }
