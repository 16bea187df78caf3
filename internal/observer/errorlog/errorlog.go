// Package errorlog writes a rotating, structured error log file for the
// observer process. Grounded on
// original_source/scripts/redis-utils/app/monitor/services/error_logger.py's
// ErrorLogger (RotatingFileHandler, 10MB x 3 backups, log_error's
// timestamp/location/error-type/message/context/stack-trace block format).
//
// No library in the retrieved example pack provides log-file rotation
// (the pack's logging is all zap/zerolog to stdout/stderr, never to a
// rotated file), so this rolls its own rotation on top of os/path/filepath
// rather than reach for an unvetted dependency (see DESIGN.md).
package errorlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// DefaultPath matches error_logger.py's LOG_FILE_PATH, adapted to a
// fabric-specific name.
const DefaultPath = "/tmp/fabric-observer-error.log"

// DefaultMaxBytes and DefaultBackups match error_logger.py's MAX_BYTES and
// BACKUP_COUNT.
const (
	DefaultMaxBytes = 10 * 1024 * 1024
	DefaultBackups  = 3
)

// Logger appends structured error blocks to a size-rotated file.
type Logger struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// New opens (creating if absent) a rotating error log at path. maxBytes<=0
// and backups<=0 fall back to the package defaults.
func New(path string, maxBytes int64, backups int) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if backups <= 0 {
		backups = DefaultBackups
	}
	l := &Logger{path: path, maxBytes: maxBytes, backups: backups}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("errorlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("errorlog: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("errorlog: stat: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// LogError appends one structured block (timestamp/location/error
// type/message/context/stack trace) matching error_logger.py's log_error,
// rotating the file first if it has grown past maxBytes.
func (l *Logger) LogError(err error, location string, context map[string]interface{}) {
	if err == nil {
		return
	}

	var b strings.Builder
	b.WriteString(strings.Repeat("=", 80))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Timestamp: %s\n", time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Error Type: %T\n", err)
	fmt.Fprintf(&b, "Error Message: %s\n", err.Error())
	if len(context) > 0 {
		b.WriteString("Context:\n")
		for k, v := range context {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
	}
	b.WriteString("Stack Trace:\n")
	b.Write(debug.Stack())
	b.WriteByte('\n')

	l.write(b.String())
}

func (l *Logger) write(block string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if reopenErr := l.open(); reopenErr != nil {
			return
		}
	}
	if l.size+int64(len(block)) > l.maxBytes {
		l.rotate()
	}
	n, writeErr := l.file.WriteString(block)
	if writeErr == nil {
		l.size += int64(n)
	}
}

// rotate renames path -> path.1 -> path.2 ... up to backups, then reopens
// a fresh file, matching RotatingFileHandler's generation scheme.
func (l *Logger) rotate() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for i := l.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.path, i)
		dst := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, statErr := os.Stat(src); statErr == nil {
			_ = os.Rename(src, dst)
		}
	}
	if _, statErr := os.Stat(l.path); statErr == nil {
		_ = os.Rename(l.path, l.path+".1")
	}
	if err := l.open(); err != nil {
		return
	}
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
