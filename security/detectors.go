// Package security implements the request security gate: injection
// detection, input sanitization, rate limiting, and output redaction.
// The gate sits in front of reasoning so hostile input never reaches
// an AI prompt or an agent.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ThreatKind labels a detector family.
type ThreatKind string

const (
	ThreatPromptInjection  ThreatKind = "prompt_injection"
	ThreatXSS              ThreatKind = "xss"
	ThreatCommandInjection ThreatKind = "command_injection"
	ThreatSQLInjection     ThreatKind = "sql_injection"
	ThreatEncoding         ThreatKind = "encoding_obfuscation"
)

// Threat is one detector hit.
type Threat struct {
	Kind    ThreatKind `json:"kind"`
	Pattern string     `json:"pattern"`
	Field   string     `json:"field,omitempty"`
}

func (t Threat) String() string {
	if t.Field != "" {
		return fmt.Sprintf("%s in %s (%s)", t.Kind, t.Field, t.Pattern)
	}
	return fmt.Sprintf("%s (%s)", t.Kind, t.Pattern)
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

var promptInjectionPatterns = []namedPattern{
	{"instruction_override", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`)},
	{"instruction_override", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|guidelines?)`)},
	{"instruction_override", regexp.MustCompile(`(?i)forget\s+(everything|all|your)\s+(you\s+know|instructions?|training)`)},
	{"role_manipulation", regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+(a|an|the)?\s*\w*\s*(assistant|ai|bot|model)?`)},
	{"role_manipulation", regexp.MustCompile(`(?i)(pretend|act|behave)\s+(to\s+be|as\s+if|like)\s+you`)},
	{"role_manipulation", regexp.MustCompile(`(?i)\b(jailbreak|dan\s+mode|developer\s+mode)\b`)},
	{"prompt_markers", regexp.MustCompile(`(?i)(</?\s*(system|assistant|user)\s*>|\[/?(INST|SYS)\]|<\|im_(start|end)\|>)`)},
	{"prompt_markers", regexp.MustCompile(`(?i)(###\s*(system|instruction)|new\s+system\s+prompt)`)},
	{"prompt_leak", regexp.MustCompile(`(?i)(reveal|show|print|repeat)\s+(your|the)\s+(system\s+)?(prompt|instructions?)`)},
}

var xssPatterns = []namedPattern{
	{"script_tag", regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
	{"script_tag", regexp.MustCompile(`(?i)<\s*/\s*script\s*>`)},
	{"js_scheme", regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|blur|submit|change)\s*=`)},
	{"data_html", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	{"iframe", regexp.MustCompile(`(?i)<\s*(iframe|object|embed)[^>]*>`)},
}

var commandInjectionPatterns = []namedPattern{
	{"command_chain", regexp.MustCompile(`[;&|]\s*(rm|cat|ls|wget|curl|nc|bash|sh|python|perl|ruby)\b`)},
	{"command_chain", regexp.MustCompile(`(\|\||&&)\s*\S`)},
	{"substitution", regexp.MustCompile("`[^`]+`")},
	{"substitution", regexp.MustCompile(`\$\([^)]+\)`)},
	{"dangerous_binary", regexp.MustCompile(`(?i)\b(rm\s+-rf|mkfs|dd\s+if=|chmod\s+777|nc\s+-l|/etc/passwd|/etc/shadow)\b`)},
}

var sqlInjectionPatterns = []namedPattern{
	{"tautology", regexp.MustCompile(`(?i)('\s*or\s*'?\d*'?\s*=\s*'?\d|\bor\s+1\s*=\s*1\b)`)},
	{"union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{"statement", regexp.MustCompile(`(?i);\s*(drop|delete|truncate|update|insert)\s`)},
	{"comment", regexp.MustCompile(`(--\s|/\*.*\*/|#\s*$)`)},
	{"xp_cmdshell", regexp.MustCompile(`(?i)\bxp_cmdshell\b`)},
}

var encodingPatterns = []namedPattern{
	{"url_encoding", regexp.MustCompile(`(%[0-9a-fA-F]{2}){8,}`)},
	{"unicode_escape", regexp.MustCompile(`(\\u[0-9a-fA-F]{4}){4,}`)},
	{"hex_escape", regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`)},
	{"base64_blob", regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)},
}

// Detector scans strings for the configured threat families.
// Detection over a request tree happens field by field so findings
// name the offending field.
type Detector struct {
	checkPromptInjection  bool
	checkXSS              bool
	checkCommandInjection bool
	checkSQLInjection     bool
	checkEncoding         bool
}

// NewDetector enables every threat family.
func NewDetector() *Detector {
	return &Detector{
		checkPromptInjection:  true,
		checkXSS:              true,
		checkCommandInjection: true,
		checkSQLInjection:     true,
		checkEncoding:         true,
	}
}

// Scan checks one string and returns every threat found.
func (d *Detector) Scan(field, value string) []Threat {
	var threats []Threat
	scan := func(kind ThreatKind, patterns []namedPattern) {
		for _, p := range patterns {
			if p.re.MatchString(value) {
				threats = append(threats, Threat{Kind: kind, Pattern: p.name, Field: field})
				return
			}
		}
	}
	if d.checkPromptInjection {
		scan(ThreatPromptInjection, promptInjectionPatterns)
		if t, ok := d.heuristicPromptThreats(field, value); ok {
			threats = append(threats, t)
		}
	}
	if d.checkXSS {
		scan(ThreatXSS, xssPatterns)
	}
	if d.checkCommandInjection {
		scan(ThreatCommandInjection, commandInjectionPatterns)
	}
	if d.checkSQLInjection {
		scan(ThreatSQLInjection, sqlInjectionPatterns)
	}
	if d.checkEncoding {
		scan(ThreatEncoding, encodingPatterns)
	}
	return threats
}

// heuristicPromptThreats flags pathological inputs the pattern list
// cannot enumerate: special-character floods and long repeated runs.
func (d *Detector) heuristicPromptThreats(field, value string) (Threat, bool) {
	if len(value) >= 40 {
		special := 0
		for _, r := range value {
			if strings.ContainsRune(`{}[]<>|\#$%^&*~`+"`", r) {
				special++
			}
		}
		if float64(special)/float64(len(value)) > 0.4 {
			return Threat{Kind: ThreatPromptInjection, Pattern: "special_char_ratio", Field: field}, true
		}
	}
	if len(value) >= 64 {
		chunk := value[:16]
		if strings.Count(value, chunk) >= 8 {
			return Threat{Kind: ThreatPromptInjection, Pattern: "repeated_pattern", Field: field}, true
		}
	}
	return Threat{}, false
}

// ScanTree walks a request mapping and scans every string leaf.
func (d *Detector) ScanTree(tree map[string]interface{}) []Threat {
	var threats []Threat
	var walk func(prefix string, node interface{})
	walk = func(prefix string, node interface{}) {
		switch v := node.(type) {
		case string:
			threats = append(threats, d.Scan(prefix, v)...)
		case map[string]interface{}:
			for key, child := range v {
				path := key
				if prefix != "" {
					path = prefix + "." + key
				}
				walk(path, child)
			}
		case []interface{}:
			for i, child := range v {
				walk(fmt.Sprintf("%s[%d]", prefix, i), child)
			}
		}
	}
	walk("", tree)
	return threats
}
