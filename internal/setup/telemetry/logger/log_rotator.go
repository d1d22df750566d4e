// Package logger provides log file writers for long-running services.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogRotator is a log file writer that keeps only the most recent lines.
// Once twice the line limit has been written, the file is cut back to the
// last maxLines lines. A limit of zero or less disables cutting.
type LogRotator struct {
	mu   sync.Mutex
	file *os.File
	path string
	ring *lineRing
}

// NewLogRotator opens or creates the log file at path.
func NewLogRotator(path string, maxLines int) (*LogRotator, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	r := &LogRotator{file: file, path: path}
	if maxLines > 0 {
		r.ring = newLineRing(maxLines)
	}
	return r, nil
}

// Path returns the file being written.
func (r *LogRotator) Path() string {
	return r.path
}

// Write implements io.Writer.
func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.file.Write(p)
	if err != nil || r.ring == nil {
		return n, err
	}

	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		r.ring.push(line)

		if r.ring.sinceCut >= r.ring.capacity()*2 {
			if err := r.cut(); err != nil {
				return n, fmt.Errorf("failed to rotate log file: %w", err)
			}
			r.ring.sinceCut = r.ring.size
		}
	}

	return n, nil
}

// Sync implements zapcore.WriteSyncer.
func (r *LogRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Sync()
}

// Close closes the underlying file.
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// cut replaces the file with the lines held in the ring.
func (r *LogRotator) cut() error {
	lines := r.ring.snapshot()
	if len(lines) == 0 {
		return nil
	}

	temp, err := os.CreateTemp(filepath.Dir(r.path), "temp-log-")
	if err != nil {
		return err
	}
	tempPath := temp.Name()

	if _, err := temp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	r.file.Close()
	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return err
	}

	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = file

	return nil
}
