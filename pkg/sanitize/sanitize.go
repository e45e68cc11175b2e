package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRegex     = regexp.MustCompile(`<[^>]*>`)
	scriptRegex      = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex       = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	emailUnsafeRegex = regexp.MustCompile(`[<>;\\\s]`)
	emailFormatRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	recordIDRegex    = regexp.MustCompile(`[^a-zA-Z0-9_.:-]`)
	spaceRunRegex    = regexp.MustCompile(`\s+`)
)

// DisplayName strips markup and control characters, collapses whitespace and
// truncates to maxLen runes
func DisplayName(input string, maxLen int) string {
	input = SanitizeHTML(input)
	input = StripControlCharacters(input)
	input = strings.TrimSpace(spaceRunRegex.ReplaceAllString(input, " "))

	if maxLen > 0 {
		if r := []rune(input); len(r) > maxLen {
			input = strings.TrimSpace(string(r[:maxLen]))
		}
	}
	return input
}

// SanitizeEmail trims, lowercases and removes characters that never belong in an address
func SanitizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	return emailUnsafeRegex.ReplaceAllString(email, "")
}

// RecordID keeps identifier-safe characters only
func RecordID(id string) string {
	return recordIDRegex.ReplaceAllString(strings.TrimSpace(id), "")
}

// Notes strips markup and control characters other than newlines and tabs
func Notes(input string, maxLen int) string {
	input = SanitizeHTML(input)
	var b strings.Builder
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 {
		if r := []rune(out); len(r) > maxLen {
			out = string(r[:maxLen])
		}
	}
	return out
}

// ValidateEmailFormat checks if email format is valid
func ValidateEmailFormat(email string) bool {
	return emailFormatRegex.MatchString(email)
}

// SanitizeHTML removes all HTML tags, dropping script and style bodies
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return htmlTagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
