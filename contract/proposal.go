package contract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semfloor/storage"
)

// Proposal is the human-authored request a contract is materialized
// from. Proposals arrive as YAML documents.
type Proposal struct {
	// Project is the owning project code, e.g. "VER".
	Project string `yaml:"project" json:"project"`

	// Title is the human-readable description; the slug derives from
	// it when Slug is not given.
	Title string `yaml:"title" json:"title"`

	// Slug overrides the derived task-ID slug.
	Slug string `yaml:"slug,omitempty" json:"slug,omitempty"`

	// Complexity drives the default limits. Required.
	Complexity Complexity `yaml:"complexity" json:"complexity"`

	// TargetFile is where the change lands. Must exist.
	TargetFile string `yaml:"target_file" json:"target_file"`

	// SourceFiles lists read-only context files.
	SourceFiles []string `yaml:"source_files,omitempty" json:"source_files,omitempty"`

	// Requirements is the non-empty list of things to do.
	Requirements []string `yaml:"requirements" json:"requirements"`

	// AcceptanceCriteria lists reviewer checks.
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`

	// AllowedPaths and ForbiddenPaths bound the change. Disjoint.
	AllowedPaths   []string `yaml:"allowed_paths,omitempty" json:"allowed_paths,omitempty"`
	ForbiddenPaths []string `yaml:"forbidden_paths,omitempty" json:"forbidden_paths,omitempty"`

	// DeleteAllowed permits deletions inside the allowed paths.
	DeleteAllowed bool `yaml:"delete_allowed,omitempty" json:"delete_allowed,omitempty"`

	// BaseBranch is the branch to fork from. Defaults to main.
	BaseBranch string `yaml:"base_branch,omitempty" json:"base_branch,omitempty"`

	// Limits optionally overrides the complexity-derived limits.
	Limits *ProposalLimits `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// ProposalLimits carries per-task limit overrides. Zero values defer
// to the derived defaults.
type ProposalLimits struct {
	MaxRebuttals       int     `yaml:"max_rebuttals,omitempty" json:"max_rebuttals,omitempty"`
	MaxReviewCycles    int     `yaml:"max_review_cycles,omitempty" json:"max_review_cycles,omitempty"`
	CostCeilingUSD     float64 `yaml:"cost_ceiling_usd,omitempty" json:"cost_ceiling_usd,omitempty"`
	GlobalTimeoutHours float64 `yaml:"global_timeout_hours,omitempty" json:"global_timeout_hours,omitempty"`
}

// EffectiveSlug returns the explicit slug when set, else one derived
// from the title.
func (p *Proposal) EffectiveSlug() string {
	if p.Slug != "" {
		return Slugify(p.Slug)
	}
	return Slugify(p.Title)
}

// ParseProposal decodes and checks a proposal document. Every missing
// or conflicting field yields its own error; nothing is guessed. A
// non-empty error list means the proposal must be rejected.
func ParseProposal(data []byte) (*Proposal, []error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Proposal
	if err := dec.Decode(&p); err != nil {
		return nil, []error{fmt.Errorf("proposal is not valid YAML: %w", err)}
	}

	var errs []error
	if p.Project == "" {
		errs = append(errs, &ValidationError{Field: "project", Message: "project is required"})
	}
	if p.Title == "" && p.Slug == "" {
		errs = append(errs, &ValidationError{Field: "title", Message: "title or slug is required"})
	}
	if p.Complexity == "" {
		errs = append(errs, &ValidationError{Field: "complexity", Message: "complexity is required"})
	} else if !p.Complexity.IsValid() {
		errs = append(errs, &ValidationError{
			Field:   "complexity",
			Message: fmt.Sprintf("must be trivial, minor, major or critical, got %q", p.Complexity),
		})
	}
	if p.TargetFile == "" {
		errs = append(errs, &ValidationError{Field: "target_file", Message: "target_file is required"})
	}
	if len(p.Requirements) == 0 {
		errs = append(errs, &ValidationError{Field: "requirements", Message: "at least one requirement is required"})
	}
	errs = append(errs, validateConstraints(Constraints{
		AllowedPaths:   p.AllowedPaths,
		ForbiddenPaths: p.ForbiddenPaths,
	})...)

	if len(errs) > 0 {
		return nil, errs
	}
	return &p, nil
}

// NewOptions parameterizes contract materialization.
type NewOptions struct {
	// TaskID is the already-sequenced identifier.
	TaskID string

	// Defaults are the operator limit defaults.
	Defaults LimitDefaults

	// WorkspaceRoot resolves relative target paths for the existence
	// check. Empty skips the check (tests).
	WorkspaceRoot string

	// Now stamps the contract. Zero means time.Now().
	Now time.Time
}

// New materializes a contract from a parsed proposal. The target file
// must exist under the workspace root.
func New(p *Proposal, opts NewOptions) (*Contract, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if opts.WorkspaceRoot != "" {
		target := p.TargetFile
		if !filepath.IsAbs(target) {
			target = filepath.Join(opts.WorkspaceRoot, target)
		}
		if _, err := os.Stat(target); err != nil {
			return nil, &ValidationError{
				Field:   "target_file",
				Message: fmt.Sprintf("%q does not exist in the workspace", p.TargetFile),
			}
		}
	}

	limits := DefaultLimits(p.Complexity, opts.Defaults)
	if p.Limits != nil {
		if p.Limits.MaxRebuttals > 0 {
			limits.MaxRebuttals = p.Limits.MaxRebuttals
		}
		if p.Limits.MaxReviewCycles > 0 {
			limits.MaxReviewCycles = p.Limits.MaxReviewCycles
		}
		if p.Limits.CostCeilingUSD > 0 {
			limits.CostCeilingUSD = p.Limits.CostCeilingUSD
		}
		if p.Limits.GlobalTimeoutHours > 0 {
			limits.GlobalTimeoutHours = p.Limits.GlobalTimeoutHours
		}
	}

	base := p.BaseBranch
	if base == "" {
		base = "main"
	}

	c := &Contract{
		SchemaVersion: SchemaVersion,
		TaskID:        opts.TaskID,
		Project:       strings.ToUpper(p.Project),
		Status:        StatusPendingImplementer,
		StatusReason:  "contract created, awaiting implementer",
		Complexity:    p.Complexity,
		Specification: Specification{
			SourceFiles:        p.SourceFiles,
			TargetFile:         p.TargetFile,
			Requirements:       p.Requirements,
			AcceptanceCriteria: p.AcceptanceCriteria,
		},
		Constraints: Constraints{
			AllowedPaths:   p.AllowedPaths,
			ForbiddenPaths: p.ForbiddenPaths,
			DeleteAllowed:  p.DeleteAllowed,
		},
		Limits: limits,
		Breaker: BreakerState{
			Status: BreakerArmed,
		},
		Git: GitState{
			BaseBranch: base,
		},
		HandoffData: HandoffData{},
		History:     []HistoryEntry{},
		Timestamps: Timestamps{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	if errs := Validate(c); len(errs) > 0 {
		return nil, fmt.Errorf("materialized contract is invalid: %w", errs[0])
	}
	return c, nil
}

// RejectionFileName is the artifact written when a proposal fails
// validation.
const RejectionFileName = "PROPOSAL_REJECTED.md"

// WriteRejection emits the rejection artifact naming every offending
// field, so the proposal author can fix all of them in one pass.
func WriteRejection(store *storage.Store, dir, source string, errs []error) (string, error) {
	var b strings.Builder
	b.WriteString("# Proposal Rejected\n\n")
	fmt.Fprintf(&b, "Source: `%s`\n\n", source)
	fmt.Fprintf(&b, "Rejected at: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("The proposal was not converted into a task contract. ")
	b.WriteString("Each problem below must be fixed:\n\n")
	for _, err := range errs {
		fmt.Fprintf(&b, "- %v\n", err)
	}

	path := filepath.Join(dir, RejectionFileName)
	if err := store.Write(path, []byte(b.String())); err != nil {
		return "", fmt.Errorf("write rejection artifact: %w", err)
	}
	return path, nil
}
