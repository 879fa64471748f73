package security

import (
	"regexp"
)

// Redactor masks personally identifying patterns in caller-facing
// strings. Card numbers are matched before phones: a 16-digit card
// would otherwise partially match the phone pattern.
type Redactor struct {
	enabled bool
}

type redaction struct {
	re          *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`(\+?\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`), "[PHONE]"},
}

// NewRedactor creates a redactor; a disabled redactor passes strings
// through untouched.
func NewRedactor(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

// Redact masks PII patterns in the string.
func (r *Redactor) Redact(in string) string {
	if !r.enabled {
		return in
	}
	out := in
	for _, red := range redactions {
		out = red.re.ReplaceAllString(out, red.replacement)
	}
	return out
}

// RedactTree masks PII in every string leaf of a response tree,
// returning a redacted copy.
func (r *Redactor) RedactTree(tree map[string]interface{}) map[string]interface{} {
	if !r.enabled || tree == nil {
		return tree
	}
	return r.redactValue(tree).(map[string]interface{})
}

func (r *Redactor) redactValue(node interface{}) interface{} {
	switch v := node.(type) {
	case string:
		return r.Redact(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			out[key] = r.redactValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = r.redactValue(child)
		}
		return out
	default:
		return v
	}
}
