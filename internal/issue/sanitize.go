package issue

import "strings"

var escaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// Sanitize escapes markup-significant characters so stored text renders as
// plain text. It is applied once, immediately before a write.
func Sanitize(s string) string {
	return escaper.Replace(s)
}
