package contract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/semfloor/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewStore(storage.Options{}), t.TempDir())
}

func TestStoreSaveLoad(t *testing.T) {
	t.Run("round trips a contract", func(t *testing.T) {
		s := newTestStore(t)
		c := validContract()

		if err := s.Save(c); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := s.Load(c.TaskID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.TaskID != c.TaskID {
			t.Errorf("expected %s, got %s", c.TaskID, got.TaskID)
		}
		if got.Status != StatusPendingImplementer {
			t.Errorf("unexpected status %s", got.Status)
		}
	})

	t.Run("refuses to persist an invalid contract", func(t *testing.T) {
		s := newTestStore(t)
		c := validContract()
		c.Status = "done"

		if err := s.Save(c); err == nil {
			t.Fatal("expected save to fail")
		}
	})

	t.Run("missing contract is ErrNotFound", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Load("VER-999-GONE")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreLoadClassification(t *testing.T) {
	t.Run("corrupted contract file", func(t *testing.T) {
		s := newTestStore(t)
		path := s.ContractPath("VER-001-VERSION")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("{torn write"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := s.Load("VER-001-VERSION")
		var corrupt *storage.CorruptError
		if !errors.As(err, &corrupt) {
			t.Fatalf("expected CorruptError, got %v", err)
		}
	})

	t.Run("schema mismatch", func(t *testing.T) {
		s := newTestStore(t)
		path := s.ContractPath("VER-001-VERSION")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(`{"schema_version":"1.0"}`), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := s.Load("VER-001-VERSION")
		var mismatch *storage.SchemaMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected SchemaMismatchError, got %v", err)
		}
		if mismatch.Got != "1.0" {
			t.Errorf("expected got=1.0, got %q", mismatch.Got)
		}
	})
}

func TestStoreList(t *testing.T) {
	s := newTestStore(t)

	if ids, err := s.List(); err != nil || len(ids) != 0 {
		t.Fatalf("expected empty list, got %v (%v)", ids, err)
	}

	c := validContract()
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != c.TaskID {
		t.Errorf("expected [%s], got %v", c.TaskID, ids)
	}
}

func TestStoreArchive(t *testing.T) {
	s := newTestStore(t)
	c := validContract()
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}

	if err := s.Archive(c.TaskID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, err := s.Load(c.TaskID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("archived contract should be out of the live set, got %v", err)
	}
	archived := filepath.Join(s.ArchiveDir(c.TaskID), ContractFileName)
	if _, err := os.Stat(archived); err != nil {
		t.Errorf("archived contract missing: %v", err)
	}
}

func TestStoreSnapshot(t *testing.T) {
	s := newTestStore(t)
	c := validContract()

	path, err := s.Snapshot(c, "HALT_SNAPSHOT.json")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot missing: %v", err)
	}
}
