package output

import (
	"github.com/rpclens/rpclens/internal/core"
)

// MarkdownFormatter renders stats as a Markdown table.
type MarkdownFormatter struct{}

// FormatStats renders the same rows as the table formatter in Markdown.
func (f *MarkdownFormatter) FormatStats(stats *core.Stats) (string, error) {
	if stats == nil {
		return "", nil
	}
	return buildStatsTable(stats).RenderMarkdown(), nil
}
