// Package transcript renders conversation history for audit and export.
//
// Markdown produces a plain transcript: a metadata header followed by each
// message in sequence order. User messages are block quotes and system
// messages are italic lines. HTML converts that Markdown with goldmark and
// wraps it in a minimal page.
package transcript
