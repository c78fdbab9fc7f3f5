package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotatingWriter writes the mnemo log file and moves it aside once it
// reaches the configured size. Backups are named <name>-<time><ext>, are
// gzipped when compression is on and are pruned after MaxAge days. It is
// safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxAge   time.Duration
	compress bool
	file     *os.File
	size     int64
	now      func() time.Time
}

// NewRotatingWriter opens cfg.File for appending, rotating at cfg.MaxSize
// megabytes.
func NewRotatingWriter(cfg Config) (*RotatingWriter, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("rotation needs a positive max size, got %d MB", cfg.MaxSize)
	}
	return newRotatingWriter(cfg.File, int64(cfg.MaxSize)<<20, cfg.MaxAge, cfg.Compress)
}

func newRotatingWriter(path string, maxBytes int64, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:     path,
		maxBytes: maxBytes,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the size limit. A single oversized write still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName(w.now())
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.compress {
		// A failed compression keeps the plain backup.
		_ = gzipFile(backup)
	}
	w.prune()
	return nil
}

// backupName returns a backup path for t that does not exist yet.
func (w *RotatingWriter) backupName(t time.Time) string {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	name := fmt.Sprintf("%s-%s%s", stem, t.Format(backupTimeFormat), ext)
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s-%s.%d%s", stem, t.Format(backupTimeFormat), i, ext)
	}
	return name
}

// backups lists rotated files of this log, compressed or not.
func (w *RotatingWriter) backups() []string {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	matches, _ := filepath.Glob(stem + "-*" + ext + "*")
	return matches
}

// prune removes backups older than maxAge. A zero maxAge keeps everything.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, path := range w.backups() {
		info, err := os.Stat(path)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
