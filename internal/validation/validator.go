package validation

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// Config tunes validation and sanitization bounds
type Config struct {
	MaxStringLength int
	MaxDepth        int

	// Resource types that force PHI classification (HIPAA overlay)
	PHIResourceTypes []string

	// Action prefixes that touch personal data (GDPR overlay)
	PersonalDataActions []string
}

// DefaultConfig returns the production bounds
func DefaultConfig() Config {
	return Config{
		MaxStringLength: 10000,
		MaxDepth:        3,
		PHIResourceTypes: []string{
			"Patient", "Observation", "Condition", "MedicationRequest",
			"DiagnosticReport", "Encounter", "Immunization", "AllergyIntolerance",
		},
		PersonalDataActions: []string{
			"data.", "fhir.", "gdpr.", "consent.", "auth.",
		},
	}
}

// Issue is one structured validation finding
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result carries the sanitized copy plus findings. The input event is
// never mutated; Sanitized is a deep copy.
type Result struct {
	Sanitized *audit.Event `json:"sanitized"`
	Errors    []Issue      `json:"errors,omitempty"`
	Warnings  []Issue      `json:"warnings,omitempty"`
}

// Valid reports whether the event passed with no errors
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

// Compliance overlays requested per call
const (
	ComplianceHIPAA = "hipaa"
	ComplianceGDPR  = "gdpr"
)

// Validator applies structural rules, string hardening and the
// requested compliance overlays.
type Validator struct {
	cfg Config
}

// New creates a validator with the given bounds
func New(cfg Config) *Validator {
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = 10000
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	return &Validator{cfg: cfg}
}

// ValidateAndSanitize checks the event and returns a hardened copy.
// A failing event still yields the full error list so callers can
// report every finding at once.
func (v *Validator) ValidateAndSanitize(ev *audit.Event, compliance ...string) *Result {
	res := &Result{}
	if ev == nil {
		res.Errors = append(res.Errors, Issue{Field: "event", Code: "NIL_EVENT", Message: "event is required"})
		return res
	}

	s := newSanitizer(v.cfg, res)
	out := ev.Clone()

	// Required fields
	if out.Timestamp == "" {
		res.fail("timestamp", "MISSING_TIMESTAMP", "timestamp is required")
	} else if _, err := audit.ParseTimestamp(out.Timestamp); err != nil {
		res.fail("timestamp", "INVALID_TIMESTAMP", err.Error())
	}
	if out.Action == "" {
		res.fail("action", "MISSING_ACTION", "action is required")
	}
	if !out.Status.IsValid() {
		res.fail("status", "INVALID_STATUS",
			fmt.Sprintf("status %q must be attempt, success or failure", out.Status))
	}

	// Classification is case-normalized before the enum check
	normalized := audit.DataClassification(strings.ToUpper(string(out.DataClassification)))
	if normalized != out.DataClassification {
		res.warn("dataClassification", "CLASSIFICATION_NORMALIZED",
			fmt.Sprintf("classification %q normalized to %q", out.DataClassification, normalized))
		out.DataClassification = normalized
	}
	if out.DataClassification != "" && !out.DataClassification.IsValid() {
		res.fail("dataClassification", "INVALID_CLASSIFICATION",
			fmt.Sprintf("unknown data classification %q", out.DataClassification))
	}

	// String hardening
	out.Action = s.cleanString("action", out.Action)
	out.PrincipalID = s.cleanString("principalId", out.PrincipalID)
	out.OrganizationID = s.cleanString("organizationId", out.OrganizationID)
	out.TargetResourceType = s.cleanString("targetResourceType", out.TargetResourceType)
	out.TargetResourceID = s.cleanString("targetResourceId", out.TargetResourceID)
	out.OutcomeDescription = s.cleanString("outcomeDescription", out.OutcomeDescription)
	out.CorrelationID = s.cleanString("correlationId", out.CorrelationID)

	if out.SessionContext != nil {
		sc := out.SessionContext
		sc.SessionID = s.cleanString("sessionContext.sessionId", sc.SessionID)
		sc.UserAgent = s.cleanString("sessionContext.userAgent", sc.UserAgent)
		sc.Geolocation = s.cleanString("sessionContext.geolocation", sc.Geolocation)
		if sc.IPAddress != "" {
			normalizedIP, ok := normalizeIP(sc.IPAddress)
			if !ok {
				res.fail("sessionContext.ipAddress", "INVALID_IP",
					fmt.Sprintf("%q is not a valid IPv4 or IPv6 address", sc.IPAddress))
			} else {
				if normalizedIP != sc.IPAddress {
					res.warn("sessionContext.ipAddress", "IP_NORMALIZED",
						fmt.Sprintf("%q normalized to %q", sc.IPAddress, normalizedIP))
				}
				sc.IPAddress = normalizedIP
			}
		}
	}

	if out.Extensions != nil {
		out.Extensions = s.cleanExtensions(out.Extensions)
	}

	for _, overlay := range compliance {
		switch strings.ToLower(overlay) {
		case ComplianceHIPAA:
			v.applyHIPAA(out, res)
		case ComplianceGDPR:
			v.applyGDPR(out, res)
		default:
			res.warn("compliance", "UNKNOWN_OVERLAY",
				fmt.Sprintf("compliance overlay %q is not recognized", overlay))
		}
	}

	res.Sanitized = out
	return res
}

func (r *Result) fail(field, code, message string) {
	r.Errors = append(r.Errors, Issue{Field: field, Code: code, Message: message})
}

func (r *Result) warn(field, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Code: code, Message: message})
}

// normalizeIP validates and canonicalizes an address: IPv6 lowercased
// and compressed, IPv4 leading zeros stripped.
func normalizeIP(value string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		// netip rejects leading zeros outright; strip and retry so
		// "010.0.0.1" normalizes instead of failing
		stripped, changed := stripIPv4LeadingZeros(value)
		if !changed {
			return "", false
		}
		addr, err = netip.ParseAddr(stripped)
		if err != nil {
			return "", false
		}
	}
	return strings.ToLower(addr.String()), true
}

func stripIPv4LeadingZeros(value string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(value), ".")
	if len(parts) != 4 {
		return value, false
	}
	changed := false
	for i, part := range parts {
		trimmed := strings.TrimLeft(part, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		if trimmed != part {
			changed = true
		}
		parts[i] = trimmed
	}
	return strings.Join(parts, "."), changed
}
