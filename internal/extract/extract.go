// Package extract pulls executable code out of free-form generated text.
//
// Generated replies wrap code in markdown fences most of the time but not
// always, so extraction degrades through tiers: a fence tagged with the
// expected language, any fence, a line-by-line heuristic scan, and finally
// the whole reply verbatim.
package extract

import "strings"

// maxLangTagLen bounds how long the first line after a bare fence may be and
// still be treated as a language tag rather than code.
const maxLangTagLen = 20

// codeLinePrefixes start a capture during the heuristic scan. Lines before
// the first match are treated as prose and dropped.
var codeLinePrefixes = []string{
	"import ", "from ", "def ", "class ", "#", "db_", "DB_", "config", "CONFIG",
}

// prosePrefixes look like assignments but are narrator text, not code.
var prosePrefixes = []string{"Note:", "Warning:", "Error:"}

// Code extracts source code from reply, preferring a fenced block tagged with
// lang (e.g. "python"). It never fails: with no usable structure the trimmed
// reply itself is returned.
func Code(reply, lang string) string {
	if reply == "" {
		return ""
	}
	reply = strings.TrimSpace(reply)

	if lang != "" {
		tag := "```" + lang
		if i := strings.Index(reply, tag); i >= 0 {
			start := i + len(tag)
			if end := strings.Index(reply[start:], "```"); end > 0 {
				return strings.TrimSpace(reply[start : start+end])
			}
		}
	}

	if i := strings.Index(reply, "```"); i >= 0 {
		start := i + 3
		// Skip a language identifier if present on the fence line.
		if nl := strings.Index(reply[start:], "\n"); nl > 0 && nl < maxLangTagLen {
			start += nl + 1
		}
		if end := strings.Index(reply[start:], "```"); end > 0 {
			return strings.TrimSpace(reply[start : start+end])
		}
	}

	// No fences: scan for the first line that looks like code and keep
	// everything from there on.
	lines := strings.Split(reply, "\n")
	var codeLines []string
	inCode := false
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if !inCode {
			if hasAnyPrefix(stripped, codeLinePrefixes) {
				inCode = true
			} else if strings.Contains(stripped, "=") && !hasAnyPrefix(stripped, prosePrefixes) {
				inCode = true
			}
		}
		if inCode {
			codeLines = append(codeLines, line)
		}
	}
	if len(codeLines) == 0 {
		return reply
	}
	return strings.TrimSpace(strings.Join(codeLines, "\n"))
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
