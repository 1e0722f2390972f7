// ABOUTME: Renders a conversation and its messages as a Markdown or HTML transcript
// ABOUTME: HTML goes through goldmark with raw HTML disabled, so message content cannot inject markup

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/support-broker/internal/store"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// Markdown renders the transcript as Markdown.
func Markdown(conv *store.Conversation, msgs []*store.Message) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Support conversation %s\n\n", conv.ID)
	fmt.Fprintf(&b, "- **Candidate:** %s (%s)\n", escape(conv.CandidateName), escape(conv.CandidateID))
	if conv.AgentID != "" {
		fmt.Fprintf(&b, "- **Agent:** %s (%s)\n", escape(conv.AgentName), escape(conv.AgentID))
	} else {
		b.WriteString("- **Agent:** none\n")
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", conv.Status)
	fmt.Fprintf(&b, "- **Opened:** %s\n", formatTime(conv.CreatedAt))
	if conv.AssignedAt != nil {
		fmt.Fprintf(&b, "- **Assigned:** %s\n", formatTime(*conv.AssignedAt))
	}
	if conv.ClosedAt != nil {
		fmt.Fprintf(&b, "- **Closed:** %s by %s\n", formatTime(*conv.ClosedAt), escape(conv.ClosedBy))
	}
	b.WriteString("\n---\n\n")

	if len(msgs) == 0 {
		b.WriteString("_No messages._\n")
		return b.Bytes()
	}

	for _, m := range msgs {
		if m.Type == store.MessageTypeSystem {
			fmt.Fprintf(&b, "_%s · %s_\n\n", escape(m.Content), formatTime(m.CreatedAt))
			continue
		}
		fmt.Fprintf(&b, "**%s** (%s) · %s\n\n", escape(m.SenderName), strings.ToLower(string(m.SenderRole)), formatTime(m.CreatedAt))
		for _, line := range strings.Split(m.Content, "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
blockquote { margin: 0 0 1rem 0; padding: .5rem 1rem; border-left: 3px solid #8aa; background: #f5f8f8; }
em { color: #666; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the transcript as a standalone HTML page.
func HTML(conv *store.Conversation, msgs []*store.Message) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert(Markdown(conv, msgs), &body); err != nil {
		return nil, fmt.Errorf("converting transcript markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: "Support conversation " + conv.ID,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering transcript page: %w", err)
	}
	return out.Bytes(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var escaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`",
	"[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`,
)

// escape neutralizes Markdown syntax in inline metadata such as names.
func escape(s string) string {
	return escaper.Replace(s)
}
