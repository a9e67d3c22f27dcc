package chunker

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Synthetic sizes used when a document carries no real font metadata.
// They only need to preserve the heading/body ratio the classifier
// keys on.
const (
	syntheticBodySize    = 10
	syntheticHeadingSize = 16
)

// FromHTML converts an HTML document into font runs: h1-h4 elements
// become heading-sized runs, paragraph-level text becomes body runs.
func FromHTML(body []byte) ([]FontRun, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	var runs []FontRun
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			name := strings.ToLower(n.Data)
			switch name {
			case "script", "style", "nav", "header", "footer":
				return
			case "h1", "h2", "h3", "h4":
				if text := flattenText(n); text != "" {
					runs = append(runs, FontRun{Text: text, Size: syntheticHeadingSize})
				}
				return
			case "p", "li", "td", "blockquote":
				if text := flattenText(n); text != "" {
					runs = append(runs, FontRun{Text: text, Size: syntheticBodySize}, FontRun{})
				}
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return runs, nil
}

// FromText converts plain extracted text into font runs using a line
// heuristic: short lines in full uppercase read as headings, everything
// else as body. Blank lines keep paragraph boundaries for the size cap.
func FromText(text string) []FontRun {
	var runs []FontRun
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			runs = append(runs, FontRun{})
			continue
		}
		size := float64(syntheticBodySize)
		if looksLikeHeadingLine(trimmed) {
			size = syntheticHeadingSize
		}
		runs = append(runs, FontRun{Text: trimmed, Size: size})
	}
	return runs
}

func looksLikeHeadingLine(line string) bool {
	if len(line) > 80 || len(strings.Fields(line)) > 10 {
		return false
	}
	hasLetter := false
	for _, r := range line {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func flattenText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
