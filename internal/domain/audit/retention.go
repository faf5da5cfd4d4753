package audit

import (
	"fmt"
	"sync"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// RetentionPolicyDef drives archival and deletion of stored events
type RetentionPolicyDef struct {
	ID               string `json:"id"`
	RetentionDays    int    `json:"retentionDays"`
	ArchiveAfterDays int    `json:"archiveAfterDays"`
	DeleteAfterDays  int    `json:"deleteAfterDays"`
}

// Validate checks internal consistency of a policy definition
func (p RetentionPolicyDef) Validate() error {
	if p.ID == "" {
		return errors.NewValidationError("MISSING_POLICY_ID", "retention policy id is required")
	}
	if p.RetentionDays <= 0 {
		return errors.NewValidationError("INVALID_RETENTION",
			"retentionDays must be positive")
	}
	if p.ArchiveAfterDays > 0 && p.ArchiveAfterDays > p.DeleteAfterDays && p.DeleteAfterDays > 0 {
		return errors.NewValidationError("INVALID_RETENTION",
			"archiveAfterDays must not exceed deleteAfterDays")
	}
	return nil
}

// RetentionRegistry holds the known policies. Updates are monotonic: a
// policy's retention may be extended, never shortened.
type RetentionRegistry struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicyDef
}

// NewRetentionRegistry seeds the registry with the built-in policies
func NewRetentionRegistry() *RetentionRegistry {
	r := &RetentionRegistry{policies: make(map[string]RetentionPolicyDef)}
	for _, p := range []RetentionPolicyDef{
		{ID: "minimal", RetentionDays: 90, ArchiveAfterDays: 30, DeleteAfterDays: 90},
		{ID: "standard", RetentionDays: 365, ArchiveAfterDays: 180, DeleteAfterDays: 365},
		{ID: "extended", RetentionDays: 365 * 7, ArchiveAfterDays: 365, DeleteAfterDays: 365 * 7},
		// HIPAA requires six years; we keep seven
		{ID: "phi", RetentionDays: 365 * 7, ArchiveAfterDays: 365 * 2, DeleteAfterDays: 365 * 7},
	} {
		r.policies[p.ID] = p
	}
	return r
}

// Get returns the named policy
func (r *RetentionRegistry) Get(id string) (RetentionPolicyDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return RetentionPolicyDef{}, errors.NewNotFoundError(fmt.Sprintf("retention policy %q", id))
	}
	return p, nil
}

// All returns every registered policy
func (r *RetentionRegistry) All() []RetentionPolicyDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RetentionPolicyDef, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out
}

// Upsert registers or extends a policy. Shortening retentionDays or
// deleteAfterDays below the existing definition is rejected so that no
// already-recorded expiry moves earlier.
func (r *RetentionRegistry) Upsert(p RetentionPolicyDef) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.policies[p.ID]; ok {
		if p.RetentionDays < existing.RetentionDays {
			return errors.NewPolicyViolationError("retention",
				fmt.Sprintf("policy %q retention cannot shrink from %d to %d days",
					p.ID, existing.RetentionDays, p.RetentionDays))
		}
		if p.DeleteAfterDays > 0 && existing.DeleteAfterDays > 0 && p.DeleteAfterDays < existing.DeleteAfterDays {
			return errors.NewPolicyViolationError("retention",
				fmt.Sprintf("policy %q deletion window cannot shrink", p.ID))
		}
	}
	r.policies[p.ID] = p
	return nil
}
