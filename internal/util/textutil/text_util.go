// Package textutil contains helpers that simplify free text for easier
// comparison, used when resolving legacy free-text fields (anime names,
// genres, services) against lookup tables and metadata search results.
package textutil

import (
	"regexp"
	"strings"
)

// DefaultStripChars is the default set of characters replaced by Strip.
const DefaultStripChars = " `~!@#$%^&*()-_=+|[{]};:',<.>/?\\\n\t\""

// Strip lowercases text and replaces every character in DefaultStripChars
// with an underscore, collapsing runs and trimming the edges. The result is a
// stable key form of a title, e.g. "Hello & World!" becomes "hello_world".
func Strip(text string) string {
	return StripWith(text, "_", DefaultStripChars)
}

// StripWith lowercases text and replaces every character in chars with
// replaceWith. Runs of replaceWith are collapsed to a single occurrence and
// trimmed from the edges. With an empty replaceWith the characters are
// removed outright and only surrounding whitespace is trimmed.
func StripWith(text, replaceWith, chars string) string {
	text = strings.ToLower(text)

	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(chars, r) && string(r) != replaceWith {
			builder.WriteString(replaceWith)
		} else {
			builder.WriteRune(r)
		}
	}
	text = builder.String()

	if replaceWith == "" {
		return strings.TrimSpace(text)
	}

	text = collapseRuns(text, replaceWith)
	return strings.Trim(text, replaceWith)
}

// Sanitise simplifies text by replacing the characters in replaceChars with
// sep and removing the characters in removeChars, then collapsing excess
// separators.
func Sanitise(text, replaceChars, removeChars, sep string) string {
	if replaceChars != "" {
		text = StripWith(text, sep, replaceChars)
	}
	if removeChars != "" {
		text = StripWith(text, "", removeChars)
	}
	// Collapse and trim any separators introduced above.
	return strings.Trim(collapseRuns(text, sep), sep)
}

// SanitiseCommon applies the common sanitisation used for anime names:
// spaces, dashes and separators become underscores, punctuation is dropped.
func SanitiseCommon(text string) string {
	if text == "" {
		return ""
	}
	return Sanitise(text, " -|;", "'`~!@#$%^&*()=+[{]}:,<.>/?\\", "_")
}

// PatternReplace replaces every match of the given patterns with replaceWith,
// collapsing runs of replaceWith and trimming it from the edges.
func PatternReplace(text, replaceWith string, patterns ...*regexp.Regexp) string {
	for _, pattern := range patterns {
		text = pattern.ReplaceAllString(text, replaceWith)
	}
	if replaceWith == "" {
		return strings.TrimSpace(text)
	}
	return strings.Trim(collapseRuns(text, replaceWith), replaceWith)
}

// CamelToSnake converts CamelCase to snake_case.
func CamelToSnake(value string) string {
	var builder strings.Builder
	builder.Grow(len(value) + 4)
	for i, r := range value {
		if i > 0 && r >= 'A' && r <= 'Z' {
			builder.WriteByte('_')
		}
		builder.WriteRune(r)
	}
	return strings.ToLower(builder.String())
}

// SnakeToCamel converts snake_case to camelCase.
func SnakeToCamel(value string) string {
	parts := strings.Split(value, "_")

	var builder strings.Builder
	builder.Grow(len(value))
	builder.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		builder.WriteString(strings.ToUpper(part[:1]))
		builder.WriteString(part[1:])
	}
	return builder.String()
}

func collapseRuns(text, value string) string {
	if value == "" || text == "" {
		return text
	}
	doubled := value + value
	for strings.Contains(text, doubled) {
		text = strings.ReplaceAll(text, doubled, value)
	}
	return text
}
