package validation

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

const (
	truncationSuffix = "...[truncated]"

	// CircularSentinel replaces a map that references itself. Identity
	// is tracked by map address, not value equality.
	CircularSentinel = "[Circular]"
)

// sanitizer hardens strings and walks extension maps with a visited
// set and a depth cap.
type sanitizer struct {
	cfg Config
	res *Result

	visited map[uintptr]bool
}

func newSanitizer(cfg Config, res *Result) *sanitizer {
	return &sanitizer{cfg: cfg, res: res, visited: make(map[uintptr]bool)}
}

// cleanString strips NUL bytes and control characters (except \t \n \r),
// drops angle brackets, escapes quotes and backslashes, and bounds the
// length. Any change emits a warning but never an error.
func (s *sanitizer) cleanString(field, value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r == 0:
			// dropped
		case r < 0x20 && r != '\t' && r != '\n' && r != '\r':
			// dropped
		case r == 0x7f:
			// dropped
		case r == '<' || r == '>':
			// dropped: anti-HTML
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if len(cleaned) > s.cfg.MaxStringLength {
		// Back off to a rune boundary so the cut never emits invalid UTF-8
		cut := s.cfg.MaxStringLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut] + truncationSuffix
		s.res.warn(field, "STRING_TRUNCATED",
			fmt.Sprintf("value exceeded %d characters and was truncated", s.cfg.MaxStringLength))
	} else if cleaned != value {
		s.res.warn(field, "STRING_SANITIZED", "value contained disallowed characters")
	}
	return cleaned
}

// cleanExtensions walks the extension map, sanitizing strings, capping
// nesting depth and replacing circular references with the sentinel.
func (s *sanitizer) cleanExtensions(m map[string]audit.Value) map[string]audit.Value {
	return s.cleanMap("extensions", m, 0)
}

func (s *sanitizer) cleanMap(field string, m map[string]audit.Value, depth int) map[string]audit.Value {
	id := reflect.ValueOf(m).Pointer()
	if s.visited[id] {
		s.res.warn(field, "CIRCULAR_REFERENCE", "circular reference replaced with sentinel")
		return map[string]audit.Value{"$ref": audit.String(CircularSentinel)}
	}
	s.visited[id] = true
	defer delete(s.visited, id)

	out := make(map[string]audit.Value, len(m))
	for k, v := range m {
		cleanKey := s.cleanString(field+"."+k, k)
		out[cleanKey] = s.cleanValue(field+"."+k, v, depth)
	}
	return out
}

func (s *sanitizer) cleanValue(field string, v audit.Value, depth int) audit.Value {
	switch v.Kind() {
	case audit.KindString:
		return audit.String(s.cleanString(field, v.StringValue()))
	case audit.KindList:
		if depth+1 > s.cfg.MaxDepth {
			s.res.warn(field, "DEPTH_EXCEEDED",
				fmt.Sprintf("nesting beyond depth %d was dropped", s.cfg.MaxDepth))
			return audit.String("[MaxDepthExceeded]")
		}
		items := v.ListValue()
		cleaned := make([]audit.Value, len(items))
		for i, item := range items {
			cleaned[i] = s.cleanValue(fmt.Sprintf("%s[%d]", field, i), item, depth+1)
		}
		return audit.List(cleaned...)
	case audit.KindMap:
		if depth+1 > s.cfg.MaxDepth {
			s.res.warn(field, "DEPTH_EXCEEDED",
				fmt.Sprintf("nesting beyond depth %d was dropped", s.cfg.MaxDepth))
			return audit.String("[MaxDepthExceeded]")
		}
		return audit.Map(s.cleanMap(field, v.MapValue(), depth+1))
	default:
		return v
	}
}
