package security

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/maestroflow/maestro/core"
)

// SanitizerConfig bounds the shape of an incoming request tree.
type SanitizerConfig struct {
	MaxStringLength int   // per string, runes
	MaxTotalBytes   int64 // serialized request size
	MaxDepth        int   // nested mapping depth
	AllowedBasePath string
}

// DefaultSanitizerConfig returns the standard limits.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		MaxStringLength: 10000,
		MaxTotalBytes:   1 << 20,
		MaxDepth:        10,
	}
}

// Sanitizer strips hostile bytes and enforces size and depth bounds.
type Sanitizer struct {
	config SanitizerConfig
}

// NewSanitizer creates a sanitizer; zero config fields get defaults.
func NewSanitizer(config SanitizerConfig) *Sanitizer {
	defaults := DefaultSanitizerConfig()
	if config.MaxStringLength <= 0 {
		config.MaxStringLength = defaults.MaxStringLength
	}
	if config.MaxTotalBytes <= 0 {
		config.MaxTotalBytes = defaults.MaxTotalBytes
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = defaults.MaxDepth
	}
	return &Sanitizer{config: config}
}

// SanitizeString strips NUL and non-printing control bytes (keeping
// tab and newline) and truncates to the configured rune limit.
func (s *Sanitizer) SanitizeString(in string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, in)
	runes := []rune(cleaned)
	if len(runes) > s.config.MaxStringLength {
		return string(runes[:s.config.MaxStringLength])
	}
	return cleaned
}

// SanitizeTree returns a sanitized copy of the request tree. It fails
// when the serialized size or nesting depth exceeds the bounds.
func (s *Sanitizer) SanitizeTree(tree map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("request is not serializable: %w", core.ErrSecurityViolation)
	}
	if int64(len(raw)) > s.config.MaxTotalBytes {
		return nil, fmt.Errorf("request size %d exceeds limit %d: %w",
			len(raw), s.config.MaxTotalBytes, core.ErrSecurityViolation)
	}

	cleaned, err := s.sanitizeValue(tree, 0)
	if err != nil {
		return nil, err
	}
	return cleaned.(map[string]interface{}), nil
}

func (s *Sanitizer) sanitizeValue(node interface{}, depth int) (interface{}, error) {
	if depth > s.config.MaxDepth {
		return nil, fmt.Errorf("nesting depth exceeds limit %d: %w",
			s.config.MaxDepth, core.ErrSecurityViolation)
	}
	switch v := node.(type) {
	case string:
		return s.SanitizeString(v), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			cleaned, err := s.sanitizeValue(child, depth+1)
			if err != nil {
				return nil, err
			}
			out[s.SanitizeString(key)] = cleaned
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			cleaned, err := s.sanitizeValue(child, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	default:
		return v, nil
	}
}

// ValidatePath resolves a file path against the configured base and
// rejects traversal outside it.
func (s *Sanitizer) ValidatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal in %q: %w", path, core.ErrSecurityViolation)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("NUL byte in path: %w", core.ErrSecurityViolation)
	}
	if s.config.AllowedBasePath == "" {
		return nil
	}
	resolved := filepath.Clean(filepath.Join(s.config.AllowedBasePath, path))
	base := filepath.Clean(s.config.AllowedBasePath)
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base %q: %w", path, base, core.ErrSecurityViolation)
	}
	return nil
}
