// Package logger provides the per-node structured logger: a slog
// logger backed by a per-node log file, with the mute/clear/dump
// operations the original console-driven node exposed as menu options.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Logger wraps a slog.Logger with a file sink that can be muted,
// cleared, and dumped back to stdout on demand.
type Logger struct {
	*slog.Logger

	mu    sync.Mutex
	file  *os.File
	muted atomic.Bool
}

// Open creates (or truncates) <dir>/<name>.log and returns a Logger
// writing structured text records to it.
func Open(dir, name string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}

	l := &Logger{file: file}
	l.Logger = slog.New(slog.NewTextHandler(l, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return l, nil
}

// Write implements io.Writer, gating output on the mute flag so muting
// can be toggled without replacing the underlying slog handler.
func (l *Logger) Write(p []byte) (int, error) {
	if l.muted.Load() {
		return len(p), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Write(p)
}

// SetMuted enables or disables log output without closing the file.
func (l *Logger) SetMuted(muted bool) {
	l.muted.Store(muted)
}

// Clear truncates the log file in place.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.Seek(0, io.SeekStart)
	return err
}

// Dump copies the full log file contents to w, e.g. for an admin
// "print log" request.
func (l *Logger) Dump(w io.Writer) error {
	l.mu.Lock()
	name := l.file.Name()
	l.mu.Unlock()
	content, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("logger: read %s: %w", name, err)
	}
	_, err = w.Write(content)
	return err
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
