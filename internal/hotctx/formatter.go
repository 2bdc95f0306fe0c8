package hotctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/earmark/pkg/memory"
)

// FormatWindow renders window entries as "[-12s] text" lines relative to at,
// with the speaker appended when known. The formatter is pure.
func FormatWindow(entries []Entry, at time.Time) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		ago := at.Sub(e.At).Round(time.Second)
		line := fmt.Sprintf("[-%s] %s", ago, strings.TrimSpace(e.Text))
		if e.SpeakerID != "" {
			line += " (" + e.SpeakerID + ")"
		}
		out = append(out, line)
	}
	return out
}

// FormatRelated renders related memories as "text [tag, tag]" lines.
func FormatRelated(results []memory.MemoryResult) []string {
	if len(results) == 0 {
		return nil
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		line := r.Text
		if len(r.Tags) > 0 {
			line += " [" + strings.Join(r.Tags, ", ") + "]"
		}
		out = append(out, line)
	}
	return out
}

// Lines formats the window relative to at and the related memories. A nil
// Context yields nothing.
func (c *Context) Lines(at time.Time) (window, related []string) {
	if c == nil {
		return nil, nil
	}
	return FormatWindow(c.Window, at), FormatRelated(c.Related)
}
