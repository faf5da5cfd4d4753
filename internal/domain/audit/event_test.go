package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

func TestNewEventDefaults(t *testing.T) {
	ev := New("auth.login.success", StatusSuccess)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ClassificationInternal, ev.DataClassification)
	assert.Equal(t, DefaultRetentionPolicy, ev.RetentionPolicy)
	assert.Equal(t, DefaultEventVersion, ev.EventVersion)
	assert.Equal(t, HashAlgorithm, ev.HashAlgorithm)

	ts, err := ev.Time()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
}

func TestApplyDefaultsPreservesCallerFields(t *testing.T) {
	ev := &Event{
		Action:             "fhir.patient.read",
		Status:             StatusSuccess,
		Timestamp:          "2026-01-02T03:04:05.000Z",
		DataClassification: ClassificationPHI,
		RetentionPolicy:    "phi",
	}
	ev.ApplyDefaults()

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", ev.Timestamp)
	assert.Equal(t, ClassificationPHI, ev.DataClassification)
	assert.Equal(t, "phi", ev.RetentionPolicy)
}

func TestEventValidate(t *testing.T) {
	base := func() *Event {
		ev := New("data.read", StatusSuccess)
		return ev
	}

	tests := []struct {
		name     string
		mutate   func(*Event)
		wantCode string
	}{
		{"valid", func(ev *Event) {}, ""},
		{"missing timestamp", func(ev *Event) { ev.Timestamp = "" }, "MISSING_TIMESTAMP"},
		{"malformed timestamp", func(ev *Event) { ev.Timestamp = "yesterday" }, "INVALID_TIMESTAMP"},
		{"missing action", func(ev *Event) { ev.Action = "" }, "MISSING_ACTION"},
		{"bad status", func(ev *Event) { ev.Status = "maybe" }, "INVALID_STATUS"},
		{"bad classification", func(ev *Event) { ev.DataClassification = "TOP_SECRET" }, "INVALID_CLASSIFICATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base()
			tt.mutate(ev)
			err := ev.Validate()
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
		})
	}
}

func TestParseTimestampPrecision(t *testing.T) {
	for _, value := range []string{
		"2026-08-25T10:00:00Z",
		"2026-08-25T10:00:00.123Z",
		"2026-08-25T10:00:00.123456789Z",
		"2026-08-25T10:00:00+00:00",
	} {
		t.Run(value, func(t *testing.T) {
			_, err := ParseTimestamp(value)
			assert.NoError(t, err)
		})
	}

	_, err := ParseTimestamp("2026-08-25 10:00:00")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	ev := New("data.read", StatusSuccess)
	ev.SessionContext = &SessionContext{SessionID: "s1", IPAddress: "10.0.0.1", UserAgent: "UA"}
	ev.Extensions = map[string]Value{"fhir": Map(map[string]Value{"resource": String("Patient")})}

	clone := ev.Clone()
	clone.SessionContext.SessionID = "s2"
	clone.Extensions["fhir"] = String("mutated")

	assert.Equal(t, "s1", ev.SessionContext.SessionID)
	assert.Equal(t, KindMap, ev.Extensions["fhir"].Kind())
}

func TestIsComplianceCritical(t *testing.T) {
	critical := []string{
		"security.alert.generated",
		"compliance.report.generated",
		"gdpr.pseudonymize",
		"auth.login.success",
		"auth.login.failure",
		"auth.logout",
		"data.access.unauthorized",
		"data.breach.detected",
		"system.backup.created",
	}
	for _, action := range critical {
		assert.True(t, IsComplianceCritical(action), action)
	}

	nonCritical := []string{
		"data.read",
		"fhir.patient.read",
		"auth.password.reset",
		"system.startup",
	}
	for _, action := range nonCritical {
		assert.False(t, IsComplianceCritical(action), action)
	}
}
