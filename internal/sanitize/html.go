package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// plainText removes every tag. Used for event names, which are rendered
	// into notification subjects and identity summaries.
	plainText = bluemonday.StrictPolicy()

	// richText keeps basic formatting (paragraphs, emphasis, links, lists)
	// for event descriptions.
	richText = bluemonday.UGCPolicy()
)

// Text strips all markup and surrounding whitespace.
func Text(input string) string {
	return strings.TrimSpace(plainText.Sanitize(input))
}

// HTML drops scripts, event handlers, inline styles and unknown tags while
// keeping safe formatting.
func HTML(input string) string {
	return strings.TrimSpace(richText.Sanitize(input))
}
