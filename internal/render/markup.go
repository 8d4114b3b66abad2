package render

import (
	"regexp"
	"strings"
)

var (
	boldRe             = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe           = regexp.MustCompile(`\*(.+?)\*`)
	italicUnderscoreRe = regexp.MustCompile(`_(.+?)_`)

	unorderedItemRe = regexp.MustCompile(`^[-*]\s+(.*)$`)
	orderedItemRe   = regexp.MustCompile(`^\d+\.\s+(.*)$`)
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// Escape makes text safe to embed in HTML element content or attributes.
func Escape(text string) string {
	return htmlEscaper.Replace(text)
}

// FormatInline escapes text and then turns **bold**, *italic* and _italic_
// spans into emphasis tags. Substitution runs on the escaped text, so the
// generated tags are the only markup in the result.
func FormatInline(text string) string {
	escaped := Escape(text)
	escaped = boldRe.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = italicRe.ReplaceAllString(escaped, "<em>$1</em>")
	escaped = italicUnderscoreRe.ReplaceAllString(escaped, "<em>$1</em>")
	return escaped
}

// Markdown renders the small markup subset used in conversation messages:
// paragraphs separated by blank lines, "-"/"*" bullet lists, "1." numbered
// lists and inline emphasis.
func Markdown(text string) string {
	var (
		parts     []string
		paragraph []string
		list      string
	)

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		formatted := make([]string, 0, len(paragraph))
		for _, line := range paragraph {
			formatted = append(formatted, FormatInline(line))
		}
		parts = append(parts, "<p>"+strings.Join(formatted, "<br>")+"</p>")
		paragraph = paragraph[:0]
	}
	closeList := func() {
		if list != "" {
			parts = append(parts, "</"+list+">")
			list = ""
		}
	}

	for _, line := range splitLines(text) {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			flushParagraph()
			closeList()
			continue
		}

		listType, itemText := "", ""
		if m := unorderedItemRe.FindStringSubmatch(stripped); m != nil {
			listType, itemText = "ul", m[1]
		} else if m := orderedItemRe.FindStringSubmatch(stripped); m != nil {
			listType, itemText = "ol", m[1]
		}
		if listType != "" {
			flushParagraph()
			if list != listType {
				closeList()
				parts = append(parts, "<"+listType+">")
				list = listType
			}
			parts = append(parts, "<li>"+FormatInline(itemText)+"</li>")
			continue
		}

		closeList()
		paragraph = append(paragraph, line)
	}

	flushParagraph()
	closeList()
	if len(parts) == 0 {
		return "<p></p>"
	}
	return strings.Join(parts, "\n")
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
