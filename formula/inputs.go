/*
inputs.go - Static metric-label extraction

PURPOSE:
  Scans a template for sum('LABEL') / sum_dr / has / has_dr calls and
  reports the distinct metric labels it references. The result is stored
  on the computation as an input-requirement hint for administrators; it
  is never enforced at evaluation time.
*/
package formula

import (
	"regexp"
	"sort"
	"strings"
)

// Two alternates instead of a quote backreference: RE2 has none.
var sourceLabelPattern = regexp.MustCompile(`\b(?:sum|sum_dr|has|has_dr)\s*\(\s*(?:'((?:\\.|[^'\\])*)'|"((?:\\.|[^"\\])*)")`)

// ExtractSourceLabels returns the sorted distinct metric labels a
// template references.
func ExtractSourceLabels(template string) []string {
	seen := make(map[string]bool)
	for _, m := range sourceLabelPattern.FindAllStringSubmatch(template, -1) {
		label := m[1]
		if label == "" {
			label = m[2]
		}
		label = strings.TrimSpace(unescapeQuotes(label))
		if label != "" && !seen[label] {
			seen[label] = true
		}
	}
	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// SourceDataInputs returns the comma-joined form persisted on a
// computation definition.
func SourceDataInputs(template string) string {
	return strings.Join(ExtractSourceLabels(template), ", ")
}

func unescapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	return s
}
