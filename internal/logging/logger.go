package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Printer is the minimal logging contract components depend on. The daemon
// passes a *Logger; tests pass whatever they want.
type Printer interface {
	Printf(format string, args ...any)
}

// Logger appends timestamped lines to .marks/logs/marksd.log so operators
// can inspect failures after the daemon exits.
type Logger struct {
	file *os.File
}

// New creates (or reuses) the daemon log file inside the given logs
// directory.
func New(logsDir string) (*Logger, error) {
	return NewFile(logsDir, "marksd.log")
}

// NewFile creates (or reuses) a named log file inside the logs directory.
// The engine child logs to its own file so crash traces stay separable.
func NewFile(logsDir, name string) (*Logger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logsDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
}

// Nop is a Printer that discards everything. Components default to it so
// logging never becomes a nil check at call sites.
type Nop struct{}

func (Nop) Printf(string, ...any) {}

// Stream writes timestamped lines to an arbitrary writer. The sandbox
// process logs to stderr through it, keeping stdout a clean protocol
// channel.
type Stream struct {
	W io.Writer
}

func (s Stream) Printf(format string, args ...any) {
	if s.W == nil {
		return
	}
	line := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	fmt.Fprintf(s.W, "[%s] %s\n", time.Now().Format(time.RFC3339), line)
}
