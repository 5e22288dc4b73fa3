package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Append adds one newline-terminated record to the log at path,
// rotating first when the write would push the live file past the size
// cap. Rotation shifts path -> path.1 -> ... -> path.N, dropping the
// generation past the retention limit.
func (s *Store) Append(path string, record []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	rec := record
	if len(rec) == 0 || rec[len(rec)-1] != '\n' {
		rec = append(append([]byte{}, record...), '\n')
	}

	if info, err := os.Stat(path); err == nil {
		if info.Size()+int64(len(rec)) > s.maxLogSize {
			if err := s.rotate(path); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	if _, err := f.Write(rec); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log %s: %w", path, err)
	}
	return nil
}

// rotate shifts generations oldest-first so the live file's rename is
// the last step and a crash cannot orphan the newest records.
func (s *Store) rotate(path string) error {
	oldest := fmt.Sprintf("%s.%d", path, s.retention)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("drop oldest rotation %s: %w", oldest, err)
	}
	for i := s.retention - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("shift rotation %s: %w", from, err)
		}
	}
	if err := os.Rename(path, path+".1"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	return nil
}

// ReadLog returns every record in the log, oldest first, spanning the
// rotated generations and the live file. Records are returned without
// their trailing newline.
func (s *Store) ReadLog(path string) ([][]byte, error) {
	var records [][]byte
	for i := s.retention; i >= 1; i-- {
		gen := fmt.Sprintf("%s.%d", path, i)
		recs, err := readLogFile(gen)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	recs, err := readLogFile(path)
	if err != nil {
		return nil, err
	}
	return append(records, recs...), nil
}

func readLogFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	records := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, line)
	}
	return records, nil
}
