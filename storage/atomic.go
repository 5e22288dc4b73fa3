// Package storage provides crash-safe file persistence for semfloor
// artifacts. Every durable write goes through a temp-file stage, fsync,
// and rename so a reader never observes a torn file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default durability parameters.
const (
	DefaultMaxLogSize  = 5 * 1024 * 1024 // bytes before an append log rotates
	DefaultRetention   = 5               // rotated generations kept per log
	DefaultReadRetries = 3
	DefaultReadBackoff = 25 * time.Millisecond
)

// TempSuffix marks in-flight staging files. Leftovers are swept at
// daemon start.
const TempSuffix = ".tmp"

// Options configures a Store. Zero values fall back to the defaults.
type Options struct {
	MaxLogSize  int64
	Retention   int
	ReadRetries int
	ReadBackoff time.Duration
	Logger      *slog.Logger
}

// Store performs atomic file writes, retried reads, and size-rotated
// append logs rooted anywhere on the local filesystem.
type Store struct {
	maxLogSize  int64
	retention   int
	readRetries int
	readBackoff time.Duration
	logger      *slog.Logger
}

// NewStore creates a Store, filling unset options from the defaults.
func NewStore(opts Options) *Store {
	if opts.MaxLogSize <= 0 {
		opts.MaxLogSize = DefaultMaxLogSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = DefaultReadRetries
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = DefaultReadBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		maxLogSize:  opts.MaxLogSize,
		retention:   opts.Retention,
		readRetries: opts.ReadRetries,
		readBackoff: opts.ReadBackoff,
		logger:      opts.Logger,
	}
}

// Write persists data at path atomically: stage to path.tmp, fsync,
// rename over the destination. The staging file is removed on any
// failure so no partial write survives.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	tmp := path + TempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("stage %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v with two-space indentation and writes it
// atomically. All JSON artifacts on disk share this format.
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.Write(path, append(data, '\n'))
}

// Read returns the contents of path. A missing file is not an error:
// the second return is false. Transient read failures are retried with
// a short backoff to ride out concurrent rename commits.
func (s *Store) Read(path string) ([]byte, bool, error) {
	var lastErr error
	for attempt := 0; attempt < s.readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.readBackoff)
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return data, true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		lastErr = err
		s.logger.Warn("read attempt failed",
			"path", path,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, false, fmt.Errorf("read %s after %d attempts: %w", path, s.readRetries, lastErr)
}

// ReadJSON reads path and unmarshals it into v. Returns false with a
// nil error when the file does not exist.
func (s *Store) ReadJSON(path string, v any) (bool, error) {
	data, found, err := s.Read(path)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

// BackupCorrupt moves an unreadable file aside as
// <path>.corrupt-<unix-nanos> and returns the backup path. Callers
// reinitialize afterwards.
func (s *Store) BackupCorrupt(path string) (string, error) {
	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("back up corrupt file %s: %w", path, err)
	}
	s.logger.Warn("backed up corrupt file", "path", path, "backup", backup)
	return backup, nil
}

// SweepTemp removes leftover staging files under root and returns how
// many were deleted. Individual removal failures are logged and do not
// stop the sweep.
func (s *Store) SweepTemp(root string) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, TempSuffix) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("sweep temp file failed", "path", path, "error", rmErr)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep %s: %w", root, err)
	}
	return removed, nil
}
