package validation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

func validEvent() *audit.Event {
	ev := audit.New("auth.login.success", audit.StatusSuccess)
	ev.PrincipalID = "u1"
	ev.OrganizationID = "o1"
	return ev
}

func hasIssue(issues []Issue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidateRequiredFields(t *testing.T) {
	v := New(DefaultConfig())

	tests := []struct {
		name     string
		mutate   func(*audit.Event)
		wantCode string
	}{
		{"missing timestamp", func(ev *audit.Event) { ev.Timestamp = "" }, "MISSING_TIMESTAMP"},
		{"bad timestamp", func(ev *audit.Event) { ev.Timestamp = "not-a-time" }, "INVALID_TIMESTAMP"},
		{"missing action", func(ev *audit.Event) { ev.Action = "" }, "MISSING_ACTION"},
		{"bad status", func(ev *audit.Event) { ev.Status = "done" }, "INVALID_STATUS"},
		{"bad classification", func(ev *audit.Event) { ev.DataClassification = "SECRET" }, "INVALID_CLASSIFICATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)
			res := v.ValidateAndSanitize(ev)
			assert.False(t, res.Valid())
			assert.True(t, hasIssue(res.Errors, tt.wantCode), "want %s in %v", tt.wantCode, res.Errors)
		})
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	v := New(DefaultConfig())
	ev := validEvent()
	ev.OutcomeDescription = "login <script>alert(1)</script>"
	ev.DataClassification = "internal"

	res := v.ValidateAndSanitize(ev)
	require.True(t, res.Valid())

	assert.Equal(t, "login <script>alert(1)</script>", ev.OutcomeDescription, "input must stay untouched")
	assert.Equal(t, audit.DataClassification("internal"), ev.DataClassification)
	assert.Equal(t, "login scriptalert(1)/script", res.Sanitized.OutcomeDescription)
	assert.Equal(t, audit.ClassificationInternal, res.Sanitized.DataClassification)
}

func TestSanitizeStrings(t *testing.T) {
	v := New(DefaultConfig())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"nul bytes", "a\x00b", "ab"},
		{"control chars", "a\x01\x02b", "ab"},
		{"keeps whitespace", "a\tb\nc\rd", "a\tb\nc\rd"},
		{"angle brackets", "<b>bold</b>", "bbold/b"},
		{"escapes quotes", `say "hi"`, `say \"hi\"`},
		{"escapes backslash", `c:\temp`, `c:\\temp`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			ev.OutcomeDescription = tt.in
			res := v.ValidateAndSanitize(ev)
			require.True(t, res.Valid())
			assert.Equal(t, tt.want, res.Sanitized.OutcomeDescription)
			assert.True(t, hasIssue(res.Warnings, "STRING_SANITIZED"))
		})
	}
}

func TestTruncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStringLength = 10
	v := New(cfg)

	ev := validEvent()
	ev.OutcomeDescription = strings.Repeat("x", 50)
	res := v.ValidateAndSanitize(ev)

	require.True(t, res.Valid())
	assert.Equal(t, strings.Repeat("x", 10)+"...[truncated]", res.Sanitized.OutcomeDescription)
	assert.True(t, hasIssue(res.Warnings, "STRING_TRUNCATED"))
}

func TestTruncationKeepsRuneBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStringLength = 10
	v := New(cfg)

	ev := validEvent()
	// 3-byte runes: a cut at byte 10 would land mid-rune
	ev.OutcomeDescription = strings.Repeat("日", 20)
	res := v.ValidateAndSanitize(ev)

	require.True(t, res.Valid())
	out := res.Sanitized.OutcomeDescription
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("日", 3)+"...[truncated]", out)
	assert.True(t, hasIssue(res.Warnings, "STRING_TRUNCATED"))
}

func TestIPNormalization(t *testing.T) {
	v := New(DefaultConfig())

	tests := []struct {
		name    string
		in      string
		want    string
		invalid bool
	}{
		{"ipv4 ok", "10.0.0.1", "10.0.0.1", false},
		{"ipv4 leading zeros", "010.000.000.001", "10.0.0.1", false},
		{"ipv6 lowercase", "2001:DB8::1", "2001:db8::1", false},
		{"ipv6 compressed", "2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1", false},
		{"garbage", "999.1.2.3", "", true},
		{"hostname", "example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			ev.SessionContext = &audit.SessionContext{SessionID: "s1", IPAddress: tt.in, UserAgent: "UA"}
			res := v.ValidateAndSanitize(ev)
			if tt.invalid {
				assert.True(t, hasIssue(res.Errors, "INVALID_IP"))
				return
			}
			require.True(t, res.Valid())
			assert.Equal(t, tt.want, res.Sanitized.SessionContext.IPAddress)
		})
	}
}

func TestCircularExtensionReplacedWithSentinel(t *testing.T) {
	v := New(DefaultConfig())

	inner := map[string]audit.Value{}
	inner["self"] = audit.Map(inner)

	ev := validEvent()
	ev.Extensions = map[string]audit.Value{"ctx": audit.Map(inner)}

	res := v.ValidateAndSanitize(ev)
	require.True(t, res.Valid())
	assert.True(t, hasIssue(res.Warnings, "CIRCULAR_REFERENCE"))

	ctx := res.Sanitized.Extensions["ctx"]
	require.Equal(t, audit.KindMap, ctx.Kind())
	self := ctx.MapValue()["self"]
	require.Equal(t, audit.KindMap, self.Kind())
	assert.Equal(t, CircularSentinel, self.MapValue()["$ref"].StringValue())
}

func TestDepthCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDepth = 2
	v := New(cfg)

	deep := audit.Map(map[string]audit.Value{
		"l2": audit.Map(map[string]audit.Value{
			"l3": audit.Map(map[string]audit.Value{
				"l4": audit.String("too deep"),
			}),
		}),
	})

	ev := validEvent()
	ev.Extensions = map[string]audit.Value{"l1": deep}

	res := v.ValidateAndSanitize(ev)
	require.True(t, res.Valid())
	assert.True(t, hasIssue(res.Warnings, "DEPTH_EXCEEDED"))
}

func TestHIPAAOverlay(t *testing.T) {
	v := New(DefaultConfig())

	t.Run("PHI without session context fails", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "fhir.patient.read"
		ev.DataClassification = audit.ClassificationPHI
		res := v.ValidateAndSanitize(ev, ComplianceHIPAA)
		assert.False(t, res.Valid())
		assert.True(t, hasIssue(res.Errors, "PHI_SESSION_REQUIRED"))
	})

	t.Run("PHI resource requires PHI classification", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "fhir.patient.read"
		ev.TargetResourceType = "Patient"
		ev.TargetResourceID = "p1"
		res := v.ValidateAndSanitize(ev, ComplianceHIPAA)
		assert.False(t, res.Valid())
		assert.True(t, hasIssue(res.Errors, "PHI_CLASSIFICATION_REQUIRED"))
	})

	t.Run("complete PHI event passes", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "fhir.patient.read"
		ev.TargetResourceType = "Patient"
		ev.TargetResourceID = "p1"
		ev.DataClassification = audit.ClassificationPHI
		ev.SessionContext = &audit.SessionContext{SessionID: "s1", IPAddress: "10.0.0.1", UserAgent: "UA"}
		res := v.ValidateAndSanitize(ev, ComplianceHIPAA)
		assert.True(t, res.Valid(), "errors: %v", res.Errors)
	})
}

func TestGDPROverlay(t *testing.T) {
	v := New(DefaultConfig())

	t.Run("personal data action requires legal basis", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "data.read"
		res := v.ValidateAndSanitize(ev, ComplianceGDPR)
		assert.True(t, hasIssue(res.Errors, "LEGAL_BASIS_REQUIRED"))
	})

	t.Run("rights action requires data subject", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "data.export"
		ev.Extensions = map[string]audit.Value{
			"gdprContext": audit.Map(map[string]audit.Value{
				"legalBasis": audit.String("consent"),
			}),
		}
		res := v.ValidateAndSanitize(ev, ComplianceGDPR)
		assert.True(t, hasIssue(res.Errors, "DATA_SUBJECT_REQUIRED"))
	})

	t.Run("complete gdpr context passes", func(t *testing.T) {
		ev := validEvent()
		ev.Action = "data.export"
		ev.Extensions = map[string]audit.Value{
			"gdprContext": audit.Map(map[string]audit.Value{
				"legalBasis":    audit.String("consent"),
				"dataSubjectId": audit.String("u1"),
			}),
		}
		res := v.ValidateAndSanitize(ev, ComplianceGDPR)
		assert.True(t, res.Valid(), "errors: %v", res.Errors)
	})
}
