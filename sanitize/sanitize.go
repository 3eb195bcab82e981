// Package sanitize masks secrets in caller-supplied values and enforces the
// size limits applied to everything that ends up in the audit trail.
package sanitize

import (
	"fmt"

	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/types"
)

// Redacted replaces every masked value
const Redacted = "[REDACTED]"

const (
	// MaxCanonicalBytes bounds the canonical size of a single input value
	MaxCanonicalBytes = 64 << 10
	// MaxDepth bounds object/array nesting
	MaxDepth = 16
)

var rules = DefaultRules()

// Normalize converts v to its generic JSON form (maps, slices, strings,
// json.Number, bools, nil) via its canonical encoding
func Normalize(v any) (any, error) {
	b, err := canonical.Canonicalize(v)
	if err != nil {
		return nil, types.Invalid("value", "%v", err)
	}
	return canonical.Decode(b)
}

// Redact returns a generic copy of v with sensitive keys and secret-shaped
// strings replaced by Redacted. v itself is never modified.
func Redact(v any) (any, error) {
	generic, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return redactValue(generic), nil
}

// RedactMap is Redact for object inputs; nil becomes an empty map
func RedactMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out, err := Redact(m)
	if err != nil {
		return nil, err
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, types.Invalid("value", "expected object")
	}
	return obj, nil
}

// Scrub masks secret-shaped substrings inside free text such as error
// messages, keeping the surrounding text
func Scrub(s string) string {
	for _, r := range rules {
		s = r.Pattern.ReplaceAllString(s, Redacted)
	}
	return s
}

// ContainsSecret reports whether any value rule matches s
func ContainsSecret(s string) bool {
	for _, r := range rules {
		if r.Pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// IsSensitiveKey reports whether values under key are always masked
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redactValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactValue(child)
		}
		return out
	case string:
		if ContainsSecret(val) {
			return Redacted
		}
		return val
	default:
		return val
	}
}

// CheckBounds rejects values whose canonical form exceeds MaxCanonicalBytes
// or whose nesting exceeds MaxDepth. field names the input in the error.
func CheckBounds(field string, v any) error {
	b, err := canonical.Canonicalize(v)
	if err != nil {
		return types.Invalid(field, "%v", err)
	}
	if len(b) > MaxCanonicalBytes {
		return types.Invalid(field, "canonical size %d exceeds %d bytes", len(b), MaxCanonicalBytes)
	}
	generic, err := canonical.Decode(b)
	if err != nil {
		return types.Invalid(field, "%v", err)
	}
	if d := Depth(generic); d > MaxDepth {
		return types.Invalid(field, "nesting depth %d exceeds %d", d, MaxDepth)
	}
	return nil
}

// Depth returns the nesting depth of a generic value; scalars are 0
func Depth(v any) int {
	switch val := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range val {
			if d := Depth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range val {
			if d := Depth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}

// Prepare checks bounds and redacts m in one step
func Prepare(field string, m map[string]any) (map[string]any, error) {
	if err := CheckBounds(field, m); err != nil {
		return nil, err
	}
	out, err := RedactMap(m)
	if err != nil {
		return nil, fmt.Errorf("redact %s: %w", field, err)
	}
	return out, nil
}
