package scraper

import (
	"strings"

	"golang.org/x/net/html"
)

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(strings.NewReader(string(body)))
}

// findAll walks the tree depth-first collecting nodes the matcher accepts.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && match(node) {
			out = append(out, node)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	nodes := findAll(n, match)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

func elementIs(n *html.Node, names ...string) bool {
	for _, name := range names {
		if strings.EqualFold(n.Data, name) {
			return true
		}
	}
	return false
}

// textContent flattens all text nodes under n, collapsing whitespace.
func textContent(n *html.Node) string {
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

// absoluteURL resolves href against base when href is relative.
func absoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.Contains(href, "://") {
		return href
	}
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(href, "/") {
		// Keep only scheme://host from base.
		if idx := strings.Index(base, "://"); idx >= 0 {
			if slash := strings.Index(base[idx+3:], "/"); slash >= 0 {
				base = base[:idx+3+slash]
			}
		}
		return base + href
	}
	return base + "/" + href
}
