// Package sanitize provides the text cleaning applied to Reddit content and
// other untrusted markdown before rendering: combining-mark stripping,
// fence-aware whitespace normalization, and markdown escaping.
//
// All functions are stateless. StripCombiningMarks, NormalizeWhitespace and
// Clean are idempotent: f(f(s)) == f(s); EscapeMarkdown is not.
package sanitize

import (
	"regexp"
	"strings"
)

// Combining-mark ranges stripped from text ("zalgo" abuse). Keeping the
// list explicit rather than using unicode.Mn avoids eating legitimate
// marks in scripts the corpus actually contains.
var combiningRanges = [...][2]rune{
	{0x0300, 0x036F}, // combining diacritical marks
	{0x1DC0, 0x1DFF}, // combining diacritical marks supplement
	{0x20D0, 0x20FF}, // combining marks for symbols
	{0xFE20, 0xFE2F}, // combining half marks
	{0x0483, 0x0489}, // cyrillic combining marks
}

// StripCombiningMarks removes stacked combining characters.
func StripCombiningMarks(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isCombining(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isCombining(r rune) bool {
	for _, rng := range combiningRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

var (
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// NormalizeWhitespace collapses whitespace outside fenced code blocks:
// CRLF becomes LF, runs of spaces/tabs collapse to one space, three or
// more consecutive newlines collapse to exactly two, and the ends are
// trimmed. Text inside ``` fences passes through byte-for-byte.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	segments := splitFences(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, seg := range segments {
		if seg.fenced {
			b.WriteString(seg.text)
			continue
		}
		t := spaceRunRe.ReplaceAllString(seg.text, " ")
		t = newlineRunRe.ReplaceAllString(t, "\n\n")
		b.WriteString(t)
	}
	return strings.TrimSpace(b.String())
}

type segment struct {
	text   string
	fenced bool
}

// splitFences partitions s into alternating plain and fenced segments.
// A fence opens at a line beginning with ``` and closes at the next such
// line (inclusive on both sides). An unterminated fence runs to the end
// of the input and is still treated as fenced, so a truncated code block
// is never mangled.
func splitFences(s string) []segment {
	var segs []segment
	rest := s
	for {
		idx := fenceIndex(rest)
		if idx < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs
		}
		if idx > 0 {
			segs = append(segs, segment{text: rest[:idx]})
		}
		rest = rest[idx:]

		// Find the closing fence: the next "```" at start of a later line.
		closeIdx := -1
		searchFrom := 3
		for {
			i := strings.Index(rest[searchFrom:], "\n```")
			if i < 0 {
				break
			}
			closeIdx = searchFrom + i + 1 // position of the closing ```
			break
		}
		if closeIdx < 0 {
			segs = append(segs, segment{text: rest, fenced: true})
			return segs
		}
		end := closeIdx + 3
		// Include the rest of the closing line (language tags never appear
		// on closers, but trailing spaces/newline belong to the fence).
		if nl := strings.IndexByte(rest[end:], '\n'); nl >= 0 {
			end += nl + 1
		} else {
			end = len(rest)
		}
		segs = append(segs, segment{text: rest[:end], fenced: true})
		rest = rest[end:]
	}
}

// fenceIndex returns the byte offset of the first ``` that starts a line.
func fenceIndex(s string) int {
	if strings.HasPrefix(s, "```") {
		return 0
	}
	i := strings.Index(s, "\n```")
	if i < 0 {
		return -1
	}
	return i + 1
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	"`", "\\`",
)

// EscapeMarkdown backslash-escapes markdown control characters.
// Unlike the other sanitizers this is NOT idempotent (escaping an escaped
// string escapes the backslashes again); callers apply it exactly once at
// render time.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// Clean applies the idempotent sanitizers in canonical order.
func Clean(s string) string {
	return NormalizeWhitespace(StripCombiningMarks(s))
}
