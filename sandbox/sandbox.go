package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/storage"
)

// DirName is the sandbox location under the handoff dir.
const DirName = "_handoff/drafts"

// Sandbox is the only writable surface workers get. Every operation
// validates its paths before touching the filesystem.
type Sandbox struct {
	atomic *storage.Store
	root   string // absolute sandbox dir
	ws     string // absolute workspace root drafts may be requested from
	logger *slog.Logger
}

// New creates a sandbox rooted under handoffDir, drafting files from
// workspaceRoot.
func New(atomic *storage.Store, handoffDir, workspaceRoot string, logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(filepath.Join(handoffDir, DirName))
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	ws, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &Sandbox{atomic: atomic, root: root, ws: ws, logger: logger}, nil
}

// Root returns the sandbox directory.
func (s *Sandbox) Root() string {
	return s.root
}

// resolve validates a sandbox path lexically and by containment,
// following symlinks so a link pointing outside the sandbox is caught.
func (s *Sandbox) resolve(path string) (string, error) {
	if err := validateName(path); err != nil {
		return "", err
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)
	if !contained(s.root, abs) {
		return "", &PathError{Path: path, Rule: ErrOutsideSandbox.Error()}
	}

	// Resolve the deepest existing ancestor: a symlinked parent must
	// not carry the file outside the sandbox.
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest := strings.TrimPrefix(abs, probe)
			if !contained(s.root, filepath.Clean(resolved+rest)) {
				return "", &PathError{Path: path, Rule: "symlink escapes the sandbox"}
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return abs, nil
}

// DraftInfo describes a staged draft.
type DraftInfo struct {
	DraftPath    string `json:"draft_path"`
	OriginalHash string `json:"original_hash"`
	LineCount    int    `json:"line_count"`
}

// DraftPath returns the sandbox location for a source file's draft.
func (s *Sandbox) DraftPath(source, taskID string) string {
	base := filepath.Base(source)
	return filepath.Join(s.root, base+"."+contract.SafeTaskID(taskID)+DraftExt)
}

// SubmissionPath returns the sandbox location of a task's submission
// record.
func (s *Sandbox) SubmissionPath(taskID string) string {
	return filepath.Join(s.root, contract.SafeTaskID(taskID)+SubmissionExt)
}

// RequestDraft copies a workspace file into the sandbox as the task's
// draft and returns its identity. The source must live inside the
// workspace.
func (s *Sandbox) RequestDraft(source, taskID string) (*DraftInfo, error) {
	src := source
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.ws, src)
	}
	src = filepath.Clean(src)
	if strings.Contains(source, "..") {
		return nil, &PathError{Path: source, Rule: "path traversal not allowed"}
	}
	if !contained(s.ws, src) {
		return nil, &PathError{Path: source, Rule: "source is outside the workspace"}
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read draft source %s: %w", source, err)
	}

	draftPath := s.DraftPath(source, taskID)
	if _, err := s.resolve(draftPath); err != nil {
		return nil, err
	}
	if err := s.atomic.Write(draftPath, data); err != nil {
		return nil, fmt.Errorf("stage draft: %w", err)
	}

	return &DraftInfo{
		DraftPath:    draftPath,
		OriginalHash: HashBytes(data),
		LineCount:    CountLines(data),
	}, nil
}

// WriteDraft replaces a draft's content atomically and returns its
// new identity.
func (s *Sandbox) WriteDraft(draftPath string, content []byte) (*DraftInfo, error) {
	abs, err := s.resolve(draftPath)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(abs, DraftExt) {
		return nil, &PathError{Path: draftPath, Rule: "not a draft file"}
	}
	if err := s.atomic.Write(abs, content); err != nil {
		return nil, fmt.Errorf("write draft: %w", err)
	}
	return &DraftInfo{
		DraftPath:    abs,
		OriginalHash: HashBytes(content),
		LineCount:    CountLines(content),
	}, nil
}

// ReadDraft returns a draft's content. Sandbox membership is enforced
// on the way in.
func (s *Sandbox) ReadDraft(draftPath string) ([]byte, error) {
	abs, err := s.resolve(draftPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read draft %s: %w", draftPath, err)
	}
	return data, nil
}

// Submission is the record the gate judges: the draft, the file it
// replaces, and both sides' identity at submission time.
type Submission struct {
	TaskID        string    `json:"task_id"`
	DraftPath     string    `json:"draft_path"`
	OriginalPath  string    `json:"original_path"`
	ChangeSummary string    `json:"change_summary"`
	SubmittedAt   time.Time `json:"submitted_at"`
	OriginalHash  string    `json:"original_hash"`
	DraftHash     string    `json:"draft_hash"`
	OriginalLines int       `json:"original_lines"`
	DraftLines    int       `json:"draft_lines"`
}

// SubmitDraft records a draft as ready for gating and returns the
// submission path.
func (s *Sandbox) SubmitDraft(draftPath, originalPath, taskID, changeSummary string) (string, error) {
	abs, err := s.resolve(draftPath)
	if err != nil {
		return "", err
	}
	draft, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read draft for submission: %w", err)
	}

	orig := originalPath
	if !filepath.IsAbs(orig) {
		orig = filepath.Join(s.ws, orig)
	}
	original, err := os.ReadFile(orig)
	if err != nil {
		return "", fmt.Errorf("read original for submission: %w", err)
	}

	sub := Submission{
		TaskID:        taskID,
		DraftPath:     abs,
		OriginalPath:  orig,
		ChangeSummary: changeSummary,
		SubmittedAt:   time.Now().UTC(),
		OriginalHash:  HashBytes(original),
		DraftHash:     HashBytes(draft),
		OriginalLines: CountLines(original),
		DraftLines:    CountLines(draft),
	}

	path := s.SubmissionPath(taskID)
	if err := s.atomic.WriteJSON(path, &sub); err != nil {
		return "", fmt.Errorf("write submission: %w", err)
	}
	return path, nil
}

// LoadSubmission reads a task's submission record. storage.ErrNotFound
// when none exists.
func (s *Sandbox) LoadSubmission(taskID string) (*Submission, error) {
	var sub Submission
	found, err := s.atomic.ReadJSON(s.SubmissionPath(taskID), &sub)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("submission for %s: %w", taskID, storage.ErrNotFound)
	}
	return &sub, nil
}

// Cleanup removes a task's draft and submission artifacts. Missing
// files are fine; cleanup runs on every gate outcome.
func (s *Sandbox) Cleanup(sub *Submission) {
	for _, p := range []string{sub.DraftPath, s.SubmissionPath(sub.TaskID)} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sandbox cleanup failed", "path", p, "error", err)
		}
	}
}

// HashBytes returns the hex SHA-256 of content, the content identity
// used across submissions and breaker hash checks.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes a file's current content.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return HashBytes(data), nil
}

// CountLines counts newline-delimited lines the way diffs do: a
// trailing newline does not add an empty line.
func CountLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
