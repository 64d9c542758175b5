package shared

import "regexp"

// RedactedToken replaces secret values in text that leaves the process.
const RedactedToken = "[redacted]"

var tokenParam = regexp.MustCompile(`(?i)(token=)[^\s&"\\]+`)

// RedactTokens masks every token=<value> pair in s, covering both
// confirmation links and logfmt attributes.
func RedactTokens(s string) string {
	return tokenParam.ReplaceAllString(s, "${1}"+RedactedToken)
}
