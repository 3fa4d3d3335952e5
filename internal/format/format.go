// Package format converts the lightweight Markdown produced by the rewrite
// model into the HTML subset Telegram accepts.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the Telegram limit for a single text message, in characters.
const MaxMessageLength = 4096

// Result carries both renditions of a text so callers can fall back to plain
// text when Telegram rejects the HTML.
type Result struct {
	HTML  string
	Plain string
}

// Render converts text to Telegram HTML and a markup-free fallback.
func Render(text string) Result {
	return Result{
		HTML:  ToHTML(text),
		Plain: ToPlain(text),
	}
}

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	bulletRe  = regexp.MustCompile(`^(\s*)[*\-+]\s+(.*)$`)
	quoteRe   = regexp.MustCompile(`^\s*>\s?(.*)$`)

	boldItalicRe = regexp.MustCompile(`\*\*\*([^*\n]+?)\*\*\*`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUndRe    = regexp.MustCompile(`__([^_\n]+?)__`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|([^|\n]+?)\|\|`)
	italicStarRe = regexp.MustCompile(`\*([^*\s](?:[^*\n]*?[^*\s])?)\*`)
	italicUndRe  = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^_\s](?:[^_\n]*?[^_\s])?)_($|[^\p{L}\p{N}_])`)
	linkPlainRe  = regexp.MustCompile(`\[([^\[\]]+)\]\((https?://[^\s)]+)\)`)
	markerRe     = regexp.MustCompile(`\*\*\*|\*\*|__|~~|\|\||` + "`")
)

// ToHTML converts a Markdown subset to Telegram HTML: headings, bullets,
// blockquotes, fenced code, inline code, links, bold, italic, strike and spoiler.
// Everything else is escaped and passed through.
func ToHTML(input string) string {
	if input == "" {
		return ""
	}
	input = strings.ReplaceAll(input, "\r\n", "\n")
	return renderBlocks(strings.Split(input, "\n"))
}

func renderBlocks(lines []string) string {
	out := make([]string, 0, len(lines))

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") && !isSingleLineFence(trimmed) {
			end := i + 1
			for end < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[end]), "```") {
				end++
			}
			if end == len(lines) {
				// Unterminated fence stays literal.
				for _, raw := range lines[i:] {
					out = append(out, html.EscapeString(raw))
				}
				break
			}
			out = append(out, "<pre><code>"+html.EscapeString(strings.Join(lines[i+1:end], "\n"))+"</code></pre>")
			i = end
			continue
		}

		if quoteRe.MatchString(line) {
			var quoted []string
			for i < len(lines) {
				m := quoteRe.FindStringSubmatch(lines[i])
				if m == nil {
					break
				}
				quoted = append(quoted, m[1])
				i++
			}
			i--
			out = append(out, `<blockquote expandable="">`+renderBlocks(quoted)+"</blockquote>")
			continue
		}

		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			out = append(out, "<b>"+renderInline(m[1])+"</b>")
			continue
		}

		if m := bulletRe.FindStringSubmatch(line); m != nil {
			out = append(out, m[1]+"• "+renderInline(m[2]))
			continue
		}

		out = append(out, renderInline(line))
	}

	return strings.Join(out, "\n")
}

func isSingleLineFence(trimmed string) bool {
	return len(trimmed) > 6 && strings.HasSuffix(trimmed, "```")
}

// renderInline protects code spans and links behind placeholders, escapes the
// rest, applies emphasis, then restores the protected fragments.
func renderInline(line string) string {
	if line == "" {
		return ""
	}

	var protected []string
	var b strings.Builder
	for i := 0; i < len(line); {
		switch line[i] {
		case '`':
			if code, n, ok := scanCodeSpan(line[i:]); ok {
				b.WriteString(placeholder(len(protected)))
				protected = append(protected, "<code>"+html.EscapeString(code)+"</code>")
				i += n
				continue
			}
		case '[':
			if label, url, n, ok := scanLink(line[i:]); ok {
				b.WriteString(placeholder(len(protected)))
				protected = append(protected, fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), applyEmphasis(html.EscapeString(label))))
				i += n
				continue
			}
		}
		b.WriteByte(line[i])
		i++
	}

	result := applyEmphasis(html.EscapeString(b.String()))
	for idx, fragment := range protected {
		result = strings.Replace(result, placeholder(idx), fragment, 1)
	}
	return result
}

func placeholder(idx int) string {
	return fmt.Sprintf("\x00%d\x00", idx)
}

func applyEmphasis(text string) string {
	text = boldItalicRe.ReplaceAllString(text, "<b><i>$1</i></b>")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUndRe.ReplaceAllString(text, "<b>$1</b>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = spoilerRe.ReplaceAllString(text, "<tg-spoiler>$1</tg-spoiler>")
	text = italicStarRe.ReplaceAllString(text, "<i>$1</i>")
	// Adjacent matches share a boundary character, so a second pass catches them.
	for pass := 0; pass < 2; pass++ {
		text = italicUndRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	}
	return text
}

// scanCodeSpan matches a run of N backticks closed by exactly N backticks.
func scanCodeSpan(s string) (code string, n int, ok bool) {
	open := 0
	for open < len(s) && s[open] == '`' {
		open++
	}
	for j := open; j < len(s); j++ {
		if s[j] != '`' {
			continue
		}
		run := 0
		for j+run < len(s) && s[j+run] == '`' {
			run++
		}
		if run == open {
			if j == open {
				return "", 0, false
			}
			return s[open:j], j + run, true
		}
		j += run - 1
	}
	return "", 0, false
}

// scanLink matches [label](http(s)://url) with balanced brackets and parentheses.
func scanLink(s string) (label, url string, n int, ok bool) {
	depth := 0
	end := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			depth++
		} else if s[i] == ']' {
			depth--
			if depth == 0 {
				end = i
				break
			}
		}
	}
	if end <= 0 || end+1 >= len(s) || s[end+1] != '(' {
		return "", "", 0, false
	}

	depth = 0
	urlEnd := -1
	for i := end + 1; i < len(s); i++ {
		if s[i] == '(' {
			depth++
		} else if s[i] == ')' {
			depth--
			if depth == 0 {
				urlEnd = i
				break
			}
		}
	}
	if urlEnd == -1 {
		return "", "", 0, false
	}

	url = strings.TrimSpace(s[end+2 : urlEnd])
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", "", 0, false
	}
	return s[1:end], url, urlEnd + 1, true
}

// ToPlain strips the Markdown markers ToHTML understands, leaving readable text.
func ToPlain(input string) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			line = m[1]
		} else if m := bulletRe.FindStringSubmatch(line); m != nil {
			line = m[1] + "• " + m[2]
		}
		line = linkPlainRe.ReplaceAllString(line, "$1 ($2)")
		line = markerRe.ReplaceAllString(line, "")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Truncate shortens text to at most limit characters, appending suffix when cut.
func Truncate(text string, limit int, suffix string) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	keep := limit - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	return string(runes[:keep]) + suffix
}
