package contract

import (
	"testing"

	"github.com/c360studio/semfloor/storage"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"version", "VERSION"},
		{"add --version flag", "ADD-VERSION-FLAG"},
		{"Fix  Timeout_Handling", "FIX-TIMEOUT-HANDLING"},
		{"UPPER already", "UPPER-ALREADY"},
		{"trailing---", "TRAILING"},
		{"über fix", "BER-FIX"},
		{"a very long title that should be trimmed down hard", "A-VERY-LONG-TITLE-THAT-S"},
	}

	for _, tc := range tests {
		if got := Slugify(tc.input); got != tc.expected {
			t.Errorf("Slugify(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestNewTaskID(t *testing.T) {
	tests := []struct {
		project  string
		seq      int
		slug     string
		expected string
	}{
		{"VER", 1, "VERSION", "VER-001-VERSION"},
		{"ver", 42, "FIX-TIMEOUT", "VER-042-FIX-TIMEOUT"},
		{"CORE", 1234, "BIG", "CORE-1234-BIG"},
	}

	for _, tc := range tests {
		got := NewTaskID(tc.project, tc.seq, tc.slug)
		if got != tc.expected {
			t.Errorf("NewTaskID(%q, %d, %q) = %q, want %q", tc.project, tc.seq, tc.slug, got, tc.expected)
		}
		if !taskIDPattern.MatchString(got) {
			t.Errorf("generated ID %q fails its own pattern", got)
		}
	}
}

func TestSafeTaskID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"VER-001-VERSION", "VER_001_VERSION"},
		{"already_safe_1", "already_safe_1"},
		{"weird/../id", "weird____id"},
		{"spaces here", "spaces_here"},
	}

	for _, tc := range tests {
		if got := SafeTaskID(tc.input); got != tc.expected {
			t.Errorf("SafeTaskID(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestSequencer(t *testing.T) {
	t.Run("sequences are monotonic per project", func(t *testing.T) {
		dir := t.TempDir()
		seq := NewSequencer(storage.NewStore(storage.Options{}), dir)

		for want := 1; want <= 3; want++ {
			got, err := seq.Next("VER")
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}

		got, err := seq.Next("CORE")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != 1 {
			t.Errorf("projects sequence independently, expected 1, got %d", got)
		}
	})

	t.Run("counters survive a restart", func(t *testing.T) {
		dir := t.TempDir()
		store := storage.NewStore(storage.Options{})

		first := NewSequencer(store, dir)
		if _, err := first.Next("VER"); err != nil {
			t.Fatalf("next: %v", err)
		}

		second := NewSequencer(store, dir)
		got, err := second.Next("VER")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != 2 {
			t.Errorf("expected 2 after restart, got %d", got)
		}
	})

	t.Run("project casing does not fork the counter", func(t *testing.T) {
		dir := t.TempDir()
		seq := NewSequencer(storage.NewStore(storage.Options{}), dir)

		if _, err := seq.Next("ver"); err != nil {
			t.Fatal(err)
		}
		got, err := seq.Next("VER")
		if err != nil {
			t.Fatal(err)
		}
		if got != 2 {
			t.Errorf("expected 2, got %d", got)
		}
	})
}
