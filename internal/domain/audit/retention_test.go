package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

func TestRetentionRegistryDefaults(t *testing.T) {
	r := NewRetentionRegistry()

	std, err := r.Get("standard")
	require.NoError(t, err)
	assert.Equal(t, 365, std.RetentionDays)

	phi, err := r.Get("phi")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, phi.RetentionDays, 365*6, "PHI retention must cover six years")

	_, err = r.Get("nonexistent")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRetentionMonotonicity(t *testing.T) {
	r := NewRetentionRegistry()

	// Extending is allowed
	require.NoError(t, r.Upsert(RetentionPolicyDef{
		ID: "standard", RetentionDays: 730, ArchiveAfterDays: 180, DeleteAfterDays: 730,
	}))

	// Shrinking is a policy violation
	err := r.Upsert(RetentionPolicyDef{
		ID: "standard", RetentionDays: 30, ArchiveAfterDays: 10, DeleteAfterDays: 30,
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePolicyViolation))

	// The extended definition stays in place
	std, err := r.Get("standard")
	require.NoError(t, err)
	assert.Equal(t, 730, std.RetentionDays)
}

func TestAlertTransitionsForwardOnly(t *testing.T) {
	a := NewAlert(SeverityCritical, "integrity", "tampered record", "hash mismatch on event X")
	assert.Equal(t, AlertActive, a.Status)

	require.NoError(t, a.Acknowledge())
	assert.Equal(t, AlertAcknowledged, a.Status)

	// Cannot acknowledge twice
	assert.Error(t, a.Acknowledge())

	require.NoError(t, a.Resolve())
	assert.Equal(t, AlertResolved, a.Status)

	// Terminal state
	assert.Error(t, a.Resolve())
}
