package security

import (
	"regexp"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// signature pairs a threat class with the pattern that detects it.
type signature struct {
	threat  models.ThreatType
	pattern *regexp.Regexp
}

// signatures is an ordered battery: earlier entries take priority when a
// request matches more than one class.
var signatures = []signature{
	{
		threat:  models.ThreatSQLInjection,
		pattern: regexp.MustCompile(`(?i)(union[\s+]+select|select\s+.+\s+from\s|insert\s+into\s|drop\s+table|delete\s+from\s|'\s*(or|and)\s+'?[\w]+'?\s*=|;\s*--|'\s*--)`),
	},
	{
		threat:  models.ThreatXSS,
		pattern: regexp.MustCompile(`(?i)(<script|javascript\s*:|\bon(error|load|click|focus|mouseover)\s*=|<iframe|<svg[^>]*onload)`),
	},
	{
		threat:  models.ThreatPathTraversal,
		pattern: regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e%5c|/etc/(passwd|shadow)|\\windows\\system32)`),
	},
	{
		threat:  models.ThreatCommandInjection,
		pattern: regexp.MustCompile("(?i)([;&|]\\s*(cat|ls|rm|curl|wget|nc|bash|sh|python)\\b|\\$\\([^)]*\\)|`[^`]+`|\\|\\|\\s*\\w|&&\\s*\\w)"),
	},
}

// scan runs every signature over the path and the string leaves of the body,
// in battery order. The first matching signature wins.
func scan(path string, body map[string]any) (models.ThreatType, string, bool) {
	for _, sig := range signatures {
		if path != "" && sig.pattern.MatchString(path) {
			return sig.threat, path, true
		}
		if value, ok := matchIn(body, sig.pattern); ok {
			return sig.threat, value, true
		}
	}
	return "", "", false
}

// matchIn walks nested maps and slices and tests every string leaf.
func matchIn(value any, pattern *regexp.Regexp) (string, bool) {
	switch v := value.(type) {
	case string:
		if pattern.MatchString(v) {
			return v, true
		}
	case map[string]any:
		for _, nested := range v {
			if match, ok := matchIn(nested, pattern); ok {
				return match, true
			}
		}
	case []any:
		for _, nested := range v {
			if match, ok := matchIn(nested, pattern); ok {
				return match, true
			}
		}
	}
	return "", false
}
