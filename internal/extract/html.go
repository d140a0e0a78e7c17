package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Elements whose content never reaches a reader
const skipSelector = "script, style, noscript, iframe, object, svg, template"

// Tags that start a new block of text. Everything else flows inline.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"dd": true, "details": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figcaption": true, "figure": true, "footer": true,
	"form": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "td": true, "th": true, "tr": true,
	"ul": true,
}

var (
	inlineSpace = regexp.MustCompile(`\s+`)
	blankRun    = regexp.MustCompile(`\n{3,}`)
)

// HTML returns the visible text of an HTML document. Non-content elements
// are removed, and block boundaries become blank lines so the downstream
// splitter still sees paragraph structure.
func HTML(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find(skipSelector).Remove()

	// The parser always builds a full document, so fragments land in body too.
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sb strings.Builder
	flatten(root, &sb)
	return tidy(sb.String()), nil
}

// flatten walks the node tree writing text content, a newline per <br> and
// a blank line around each block-level element.
func flatten(sel *goquery.Selection, sb *strings.Builder) {
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		name := goquery.NodeName(node)
		switch {
		case name == "#text":
			sb.WriteString(inlineSpace.ReplaceAllString(node.Text(), " "))
		case name == "br":
			sb.WriteString("\n")
		case blockTags[name]:
			sb.WriteString("\n\n")
			flatten(node, sb)
			sb.WriteString("\n\n")
		default:
			flatten(node, sb)
		}
	})
}

// tidy trims line edges and collapses blank-line runs left by nested blocks
func tidy(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out := blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
