// Package textutil normalises free-form text supplied by customers before it is persisted.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// Clean strips all markup, decodes entities, collapses whitespace, and bounds the result to limit
// runes. A non-positive limit disables truncation.
func Clean(value string, limit int) string {
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	fields := strings.FieldsFunc(stripped, unicode.IsSpace)
	cleaned := strings.Join(fields, " ")
	if limit > 0 {
		runes := []rune(cleaned)
		if len(runes) > limit {
			cleaned = strings.TrimSpace(string(runes[:limit]))
		}
	}
	return cleaned
}

// CleanOptional behaves like Clean but treats a blank result as absent.
func CleanOptional(value string, limit int) (string, bool) {
	cleaned := Clean(value, limit)
	return cleaned, cleaned != ""
}
