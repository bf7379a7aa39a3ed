package vcc

import "regexp"

var (
	allowedBranchChar = regexp.MustCompile(`[A-Za-z0-9_./-]`)
	separatorRun = regexp.MustCompile(`-{2,}`)
)

// sanitizeBranchName applies the sanitization rules: allowed characters
// are [A-Za-z0-9_./-]; disallowed characters and whitespace are replaced
// with '-'; leading/trailing separators are stripped.
func sanitizeBranchName(raw string) string {
	runes := []rune(raw)
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if allowedBranchChar.MatchString(string(r)) {
			out = append(out, r)
		} else {
			out = append(out, '-')
		}
	}
	cleaned := separatorRun.ReplaceAllString(string(out), "-")
	return trimSeparators(cleaned)
}

func trimSeparators(s string) string {
	start := 0
	for start < len(s) && isSeparator(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSeparator(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSeparator(b byte) bool {
	return b == '-' || b == '/' || b == '.' || b == '_'
}
