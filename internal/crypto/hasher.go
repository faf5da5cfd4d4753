package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Hasher seals events with a deterministic SHA-256 over the critical
// field set. The projection must reproduce byte-for-byte across
// processes and language implementations, so the encoding is fixed:
// keys in lexicographic order, each value JSON-encoded (absent fields
// encode as null), joined with "|".
type Hasher struct{}

// NewHasher returns the event hasher
func NewHasher() *Hasher { return &Hasher{} }

// criticalProjection returns the hash input fields in lexicographic
// key order: action, organizationId, outcomeDescription, principalId,
// status, targetResourceId, targetResourceType, timestamp.
func criticalProjection(ev *audit.Event) []string {
	return []string{
		jsonEncode(ev.Action),
		jsonEncode(ev.OrganizationID),
		jsonEncode(ev.OutcomeDescription),
		jsonEncode(ev.PrincipalID),
		jsonEncode(string(ev.Status)),
		jsonEncode(ev.TargetResourceID),
		jsonEncode(ev.TargetResourceType),
		jsonEncode(ev.Timestamp),
	}
}

// jsonEncode renders a critical field value; empty means absent and
// encodes as JSON null.
func jsonEncode(value string) string {
	if value == "" {
		return "null"
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		// json.Marshal of a string cannot fail
		return "null"
	}
	return string(encoded)
}

// Hash computes the hex SHA-256 seal of the critical field projection
func (h *Hasher) Hash(ev *audit.Event) (string, error) {
	if ev == nil {
		return "", errors.NewValidationError("NIL_EVENT", "cannot hash nil event")
	}
	payload := strings.Join(criticalProjection(ev), "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the seal and compares in constant time
func (h *Hasher) VerifyHash(ev *audit.Event, expected string) bool {
	if expected == "" {
		return false
	}
	computed, err := h.Hash(ev)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
}
