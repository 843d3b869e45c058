package logger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Rotator is a log file writer that keeps at most maxLines lines.
// When twice that many lines were written, the file is rewritten
// with the newest maxLines lines.
type Rotator struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	maxLines int
	tail     [][]byte
	written  int
}

// NewRotator opens or creates the log file at path.
// A maxLines of zero or less disables trimming.
func NewRotator(path string, maxLines int) (*Rotator, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	return &Rotator{
		path:     path,
		file:     file,
		maxLines: maxLines,
	}, nil
}

// Write appends p to the file and trims it once it grew too long.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.file.Write(p)
	if err != nil || r.maxLines <= 0 {
		return n, err
	}

	for line := range bytes.SplitSeq(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		r.tail = append(r.tail, bytes.Clone(line))
		if len(r.tail) > r.maxLines {
			r.tail = r.tail[len(r.tail)-r.maxLines:]
		}
		r.written++
	}

	if r.written >= r.maxLines*2 {
		if err := r.rewrite(); err != nil {
			return n, fmt.Errorf("failed to trim log file: %w", err)
		}
		r.written = len(r.tail)
	}

	return n, nil
}

// Sync flushes the file.
func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.file.Sync()
}

// Close closes the file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.file.Close()
}

// rewrite replaces the file with the retained tail through a temp file.
func (r *Rotator) rewrite() error {
	temp, err := os.CreateTemp(filepath.Dir(r.path), "temp-log-")
	if err != nil {
		return err
	}

	content := append(bytes.Join(r.tail, []byte("\n")), '\n')
	if _, err := temp.Write(content); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return err
	}

	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}

	r.file.Close()

	if err := os.Rename(temp.Name(), r.path); err != nil {
		return err
	}

	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = file

	return nil
}
