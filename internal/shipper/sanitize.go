package shipper

import "strings"

// DefaultSanitizeFields is used when no field list is configured.
var DefaultSanitizeFields = []string{
	"password",
	"password_confirmation",
	"credit_card",
	"card_number",
	"cvv",
	"api_key",
	"secret",
	"token",
	"authorization",
}

// Sanitizer redacts values whose key contains one of the configured fields.
//
// Matching is a case-insensitive substring test on the key: with "token"
// configured, "X-Auth-Token" and "tokens" are redacted too. Nested maps and
// slices are walked, never redacted as a whole, so a sensitive key holding
// an object keeps its shape and only its own sensitive leaves are replaced.
type Sanitizer struct {
	fields []string
}

// NewSanitizer builds a sanitizer. A nil list selects the defaults; an empty
// non-nil list disables redaction.
func NewSanitizer(fields []string) *Sanitizer {
	if fields == nil {
		fields = DefaultSanitizeFields
	}
	lower := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		lower = append(lower, f)
	}
	return &Sanitizer{fields: lower}
}

func (s *Sanitizer) Fields() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.fields...)
}

// Sensitive reports whether key matches a configured field.
func (s *Sanitizer) Sensitive(key string) bool {
	if s == nil || len(s.fields) == 0 {
		return false
	}
	k := strings.ToLower(key)
	for _, f := range s.fields {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// Map returns a redacted copy of m. The input is not modified.
func (s *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			out[k] = s.Map(x)
		case Payload:
			out[k] = s.Map(map[string]any(x))
		case []any:
			out[k] = s.slice(x)
		default:
			if s.Sensitive(k) {
				out[k] = Redacted
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func (s *Sanitizer) slice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		switch x := v.(type) {
		case map[string]any:
			out[i] = s.Map(x)
		case Payload:
			out[i] = s.Map(map[string]any(x))
		case []any:
			out[i] = s.slice(x)
		default:
			out[i] = v
		}
	}
	return out
}

// Payload redacts the context and extra maps of p.
func (s *Sanitizer) Payload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	if ctx := p.Context(); ctx != nil {
		out["context"] = s.Map(ctx)
	}
	if extra, ok := p["extra"].(map[string]any); ok {
		out["extra"] = s.Map(extra)
	}
	return out
}
