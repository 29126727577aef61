package policy

import (
	"regexp"
	"strings"
)

var (
	quotedTimestampField = regexp.MustCompile(`"_timestamp"\s*:\s*"[^"]*"`)
	bareTimestampField   = regexp.MustCompile(`_timestamp\s*[=:]\s*[^,\s}\]]*`)
	isoDateTime          = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)

	doubleComma      = regexp.MustCompile(`,\s*,`)
	emptyObjectHole  = regexp.MustCompile(`\{\s*,\s*\}`)
	emptyArrayHole   = regexp.MustCompile(`\[\s*,\s*\]`)
	leadingObjComma  = regexp.MustCompile(`\{\s*,\s*`)
	leadingArrComma  = regexp.MustCompile(`\[\s*,\s*`)
	trailingObjComma = regexp.MustCompile(`,\s*\}`)
	trailingArrComma = regexp.MustCompile(`,\s*\]`)
)

// StripInternalMetadata removes internal timestamp fields and ISO-8601 date-times from
// free text and repairs the punctuation left behind. Text without any match is returned
// unchanged.
func StripInternalMetadata(input string) string {
	out, _ := stripMetadata(input)
	return out
}

func stripMetadata(input string) (string, bool) {
	out := input
	changed := false
	// A removal can splice its neighbours into a new match, so rescan until stable.
	// Every effective pass shortens the text, which bounds the loop.
	for {
		next := quotedTimestampField.ReplaceAllString(out, "")
		next = bareTimestampField.ReplaceAllString(next, "")
		next = isoDateTime.ReplaceAllString(next, "")
		if next == out {
			break
		}
		changed = true
		out = next
	}
	if !changed {
		return input, false
	}
	return repairPunctuation(out), true
}

func repairPunctuation(s string) string {
	for {
		next := doubleComma.ReplaceAllString(s, ",")
		if next == s {
			break
		}
		s = next
	}
	s = emptyObjectHole.ReplaceAllString(s, "{}")
	s = emptyArrayHole.ReplaceAllString(s, "[]")
	s = leadingObjComma.ReplaceAllString(s, "{")
	s = leadingArrComma.ReplaceAllString(s, "[")
	s = trailingObjComma.ReplaceAllString(s, "}")
	s = trailingArrComma.ReplaceAllString(s, "]")
	return strings.TrimSpace(s)
}
