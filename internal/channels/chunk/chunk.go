// Package chunk splits outbound text to fit platform message limits,
// preferring paragraph and line breaks and keeping fenced code blocks
// renderable across chunk boundaries.
package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/hermes/pkg/models"
)

var platformLimits = map[models.Source]int{
	models.SourceTelegram: 4096,
	models.SourceDiscord:  2000,
	models.SourceSlack:    40000,
	models.SourceWhatsApp: 65536,
}

// Limit returns the outbound message limit for a platform. Zero means
// unlimited.
func Limit(src models.Source) int {
	return platformLimits[src]
}

// Split breaks text into chunks of at most limit bytes, cutting at a
// paragraph break, then a line break, then a space, then a rune
// boundary. A limit of zero returns the text unchanged.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := splitPoint(rest, limit)
		chunk := strings.TrimRight(rest[:cut], " \n")
		rest = strings.TrimLeft(rest[cut:], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// Markdown splits like Split but tracks ``` fences: a chunk ending
// inside a code block is closed, and the block is reopened with its
// language at the start of the next chunk.
func Markdown(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	// Room for the closing fence appended to a chunk. Below this the
	// reopened fence marker could outgrow what each chunk consumes,
	// so fall back to plain splitting.
	budget := limit - 4
	if budget < 160 {
		return Split(text, limit)
	}
	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := splitPoint(rest, budget)
		chunk := strings.TrimRight(rest[:cut], " \n")
		rest = strings.TrimLeft(rest[cut:], "\n")
		if chunk == "" {
			continue
		}
		if open, lang := scanFences(chunk); open && rest != "" {
			chunk += "\n```"
			rest = "```" + lang + "\n" + rest
		}
		chunks = append(chunks, chunk)
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// splitPoint picks the cut index for the next chunk. Breaks in the
// first quarter of the window are ignored so chunks do not degenerate.
func splitPoint(s string, limit int) int {
	if len(s) <= limit {
		return len(s)
	}
	window := s[:limit]
	min := limit / 4
	if i := strings.LastIndex(window, "\n\n"); i > min {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i > min {
		return i
	}
	if i := strings.LastIndex(window, " "); i > min {
		return i
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// scanFences reports whether the text ends inside a fenced code block
// and the language of that fence.
func scanFences(text string) (open bool, lang string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open, lang = false, ""
			continue
		}
		open = true
		lang = ""
		if fields := strings.Fields(strings.TrimPrefix(trimmed, "```")); len(fields) > 0 {
			lang = fields[0]
		}
		if len(lang) > 32 {
			lang = ""
		}
	}
	return open, lang
}
