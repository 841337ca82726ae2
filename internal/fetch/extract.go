package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose subtree is never readable text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Aside:    true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
}

// blockElements end the current paragraph when they open or close.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Table: true, atom.Tr: true, atom.Dl: true, atom.Dd: true,
	atom.Dt: true, atom.Figcaption: true, atom.Figure: true,
	atom.Details: true, atom.Summary: true, atom.Hr: true, atom.Br: true,
}

// extractHTML returns (title, readable text) from raw HTML. It runs a
// single tokenizer pass rather than building a DOM: a depth counter
// tracks how far inside skipped subtrees the cursor is, text tokens
// accumulate into the current paragraph, and block boundaries flush
// the paragraph with its whitespace collapsed. Paragraphs are joined
// with blank lines.
func extractHTML(raw string) (string, string) {
	tz := html.NewTokenizer(strings.NewReader(raw))

	var (
		title      strings.Builder
		paragraphs []string
		current    strings.Builder
		inTitle    bool
		skipDepth  int
	)

	flush := func() {
		if text := strings.Join(strings.Fields(current.String()), " "); text != "" {
			paragraphs = append(paragraphs, text)
		}
		current.Reset()
	}

	for {
		switch tz.Next() {
		case html.ErrorToken:
			// EOF or malformed input; either way, emit what was
			// collected.
			flush()
			return strings.TrimSpace(title.String()), strings.Join(paragraphs, "\n\n")

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tz.TagName()
			a := atom.Lookup(name)
			switch {
			case a == atom.Title:
				inTitle = true
			case skipElements[a]:
				skipDepth++
			case blockElements[a]:
				flush()
			}

		case html.EndTagToken:
			name, _ := tz.TagName()
			a := atom.Lookup(name)
			switch {
			case a == atom.Title:
				inTitle = false
			case skipElements[a]:
				if skipDepth > 0 {
					skipDepth--
				}
			case blockElements[a]:
				flush()
			}

		case html.TextToken:
			text := string(tz.Text())
			if inTitle {
				title.WriteString(text)
			} else if skipDepth == 0 {
				current.WriteString(text)
			}
		}
	}
}
