package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditFileWriter appends the transfer audit trail to a single file and
// rotates it by size. Rotated segments keep a numeric suffix, newest
// first: audit.log.1 is the most recent closed segment. The audit trail
// is append-only; rotation never rewrites a record.
type auditFileWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	keep    int
	retain  time.Duration
	written int64
}

func newAuditFileWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFileWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFileWriter{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		keep:   maxBackups,
		retain: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *auditFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.limit > 0 && w.written+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *auditFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.written = 0
	return err
}

func (w *auditFileWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

func (w *auditFileWriter) segment(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

// rotate closes the active file, shifts every retained segment up one
// slot, and drops segments past the backup count or retention window.
func (w *auditFileWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.written = 0

	if w.keep <= 0 {
		_ = os.Remove(w.path)
		return nil
	}
	for i := w.keep - 1; i >= 1; i-- {
		if _, err := os.Stat(w.segment(i)); err == nil {
			_ = os.Rename(w.segment(i), w.segment(i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.segment(1))
	}

	w.pruneExpired()
	return nil
}

func (w *auditFileWriter) pruneExpired() {
	if w.retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.retain)
	for i := 1; i <= w.keep; i++ {
		info, err := os.Stat(w.segment(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(w.segment(i))
		}
	}
}
