package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c360studio/semfloor/storage"
)

// Directory layout under the handoff dir.
const (
	ContractsDirName = "contracts"
	ArchiveDirName   = "archive"
)

// Store persists contracts under the handoff directory, one directory
// per task, every write atomic.
type Store struct {
	atomic *storage.Store
	root   string
}

// NewStore creates a contract store rooted at handoffDir.
func NewStore(atomic *storage.Store, handoffDir string) *Store {
	return &Store{atomic: atomic, root: handoffDir}
}

// Root returns the handoff directory.
func (s *Store) Root() string {
	return s.root
}

// ContractDir returns the directory holding a task's artifacts.
func (s *Store) ContractDir(taskID string) string {
	return filepath.Join(s.root, ContractsDirName, taskID)
}

// ContractPath returns the path of a task's contract file.
func (s *Store) ContractPath(taskID string) string {
	return filepath.Join(s.ContractDir(taskID), ContractFileName)
}

// ArchiveDir returns where a task's artifacts land after merge.
func (s *Store) ArchiveDir(taskID string) string {
	return filepath.Join(s.root, ArchiveDirName, taskID)
}

// Save validates and persists the contract.
func (s *Store) Save(c *Contract) error {
	if errs := Validate(c); len(errs) > 0 {
		return fmt.Errorf("refusing to persist invalid contract %s: %w", c.TaskID, errs[0])
	}
	if err := s.atomic.WriteJSON(s.ContractPath(c.TaskID), c); err != nil {
		return fmt.Errorf("persist contract %s: %w", c.TaskID, err)
	}
	return nil
}

// Load reads a task's contract. Returns storage.ErrNotFound when no
// contract exists, a CorruptError when the file cannot be decoded, and
// a SchemaMismatchError when it was written by a different schema.
func (s *Store) Load(taskID string) (*Contract, error) {
	path := s.ContractPath(taskID)
	data, found, err := s.atomic.Read(path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("contract %s: %w", taskID, storage.ErrNotFound)
	}

	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &storage.CorruptError{Path: path, Err: err}
	}
	if c.SchemaVersion != SchemaVersion {
		return nil, &storage.SchemaMismatchError{Path: path, Got: c.SchemaVersion, Want: SchemaVersion}
	}
	return &c, nil
}

// List returns the task IDs with live (unarchived) contracts.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ContractsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.ContractPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Archive moves a merged task's directory out of the live set. The
// contract is frozen afterwards.
func (s *Store) Archive(taskID string) error {
	src := s.ContractDir(taskID)
	dst := s.ArchiveDir(taskID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive contract %s: %w", taskID, err)
	}
	return nil
}

// Snapshot writes a frozen copy of the contract beside it, returning
// the snapshot path. Used by halt artifacts.
func (s *Store) Snapshot(c *Contract, name string) (string, error) {
	path := filepath.Join(s.ContractDir(c.TaskID), name)
	if err := s.atomic.WriteJSON(path, c); err != nil {
		return "", fmt.Errorf("snapshot contract %s: %w", c.TaskID, err)
	}
	return path, nil
}
