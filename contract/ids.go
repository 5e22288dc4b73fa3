package contract

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/c360studio/semfloor/storage"
)

// Slugify converts a title into a task-ID slug: uppercase,
// hyphen-separated, alphanumeric only, capped for readability.
func Slugify(title string) string {
	slug := strings.ToUpper(title)

	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")

	reg := regexp.MustCompile(`[^A-Z0-9-]`)
	slug = reg.ReplaceAllString(slug, "")

	reg = regexp.MustCompile(`-+`)
	slug = reg.ReplaceAllString(slug, "-")

	slug = strings.Trim(slug, "-")

	if len(slug) > 24 {
		slug = slug[:24]
		slug = strings.TrimRight(slug, "-")
	}

	return slug
}

// NewTaskID builds a task identifier from its parts:
// {PROJECT}-{SEQ}-{SLUG} with a zero-padded sequence.
func NewTaskID(project string, seq int, slug string) string {
	return fmt.Sprintf("%s-%03d-%s", strings.ToUpper(project), seq, slug)
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeTaskID sanitizes a task ID for use inside file names. Anything
// outside [A-Za-z0-9_] becomes an underscore.
func SafeTaskID(taskID string) string {
	return unsafeIDChars.ReplaceAllString(taskID, "_")
}

// SequenceFileName is the per-project sequence counter artifact.
const SequenceFileName = "sequence.json"

// sequenceFile is the persisted shape of the counters.
type sequenceFile struct {
	Counters map[string]int `json:"counters"`
}

// Sequencer hands out monotonic per-project sequence numbers,
// persisted through the atomic store so restarts never reuse one.
type Sequencer struct {
	mu    sync.Mutex
	store *storage.Store
	path  string
}

// NewSequencer creates a Sequencer persisting under dir.
func NewSequencer(store *storage.Store, dir string) *Sequencer {
	return &Sequencer{
		store: store,
		path:  filepath.Join(dir, SequenceFileName),
	}
}

// Next returns the next sequence number for project, persisting the
// increment before returning it.
func (s *Sequencer) Next(project string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sf sequenceFile
	if _, err := s.store.ReadJSON(s.path, &sf); err != nil {
		return 0, fmt.Errorf("load sequence counters: %w", err)
	}
	if sf.Counters == nil {
		sf.Counters = make(map[string]int)
	}

	key := strings.ToUpper(project)
	next := sf.Counters[key] + 1
	sf.Counters[key] = next

	if err := s.store.WriteJSON(s.path, &sf); err != nil {
		return 0, fmt.Errorf("persist sequence counters: %w", err)
	}
	return next, nil
}
