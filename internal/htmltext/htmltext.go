// Package htmltext reduces HTML fragments found in scraped exam content to
// plain text.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// tagAt matches a tag-shaped token at the start of its input.
	tagAt      = regexp.MustCompile(`^<(/?)([a-zA-Z][a-zA-Z0-9]*)([^<>]*)>`)
	entity     = regexp.MustCompile(`&(#\d+|#x[0-9a-fA-F]+|[a-zA-Z]+);`)
	spaceRun   = regexp.MustCompile(`[ \t\f\r\v\x{00a0}]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// elements are the tag names accepted as markup. Anything else between angle
// brackets ("x<y e y>z", "<inciso>") is text.
var elements = map[string]bool{
	"a": true, "abbr": true, "b": true, "blockquote": true, "br": true, "caption": true,
	"center": true, "code": true, "dd": true, "del": true, "div": true, "dl": true,
	"dt": true, "em": true, "font": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "hr": true, "i": true, "img": true,
	"ins": true, "li": true, "ol": true, "p": true, "pre": true, "s": true,
	"script": true, "small": true, "span": true, "strike": true, "strong": true,
	"style": true, "sub": true, "sup": true, "table": true, "tbody": true,
	"td": true, "tfoot": true, "th": true, "thead": true, "tr": true, "u": true,
	"ul": true,
}

const blockSelector = "br, p, div, li, tr, h1, h2, h3, h4, h5, h6"

// Clean returns s as plain text. Input without markup is returned trimmed
// with its line breaks intact. Block-level elements and <br> become line
// breaks; scripts and styles are dropped.
func Clean(s string) string {
	escaped, markup := escapeText(s)
	if !markup {
		return strings.TrimSpace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(escaped))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style").Remove()
	doc.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "br" {
			sel.ReplaceWithHtml("\n")
			return
		}
		sel.AppendHtml("\n")
	})

	return tidy(doc.Text())
}

// escapeText rewrites every "<" that does not open a known element as "&lt;"
// so the parser keeps it as text. markup reports whether s holds any element
// or entity at all.
func escapeText(s string) (out string, markup bool) {
	markup = entity.MatchString(s)
	if !strings.Contains(s, "<") {
		return s, markup
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if m := tagAt.FindStringSubmatch(s[i:]); m != nil && isElement(m[2], m[3], m[1] == "/") {
			b.WriteString(m[0])
			i += len(m[0])
			markup = true
			continue
		}
		b.WriteString("&lt;")
		i++
	}
	return b.String(), markup
}

// isElement accepts a known name followed by nothing, a self-closing slash or
// attributes; "<b e b>" is a comparison, "<b class=x>" is a tag.
func isElement(name, rest string, closing bool) bool {
	if !elements[strings.ToLower(name)] {
		return false
	}
	r := strings.TrimSpace(rest)
	if closing {
		return r == ""
	}
	r = strings.TrimSpace(strings.TrimSuffix(r, "/"))
	return r == "" || strings.Contains(r, "=")
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
