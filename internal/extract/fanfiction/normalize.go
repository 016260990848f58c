package fanfiction

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Tags worth keeping in normalized chapter markup. Everything else is either
// dropped with its content (site chrome) or unwrapped (unknown wrappers).
var keepTags = map[string]bool{
	"p": true, "br": true, "hr": true,
	"em": true, "i": true, "strong": true, "b": true,
	"u": true, "s": true, "sub": true, "sup": true,
	"blockquote": true, "center": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// Tags removed together with their content.
var dropTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "ins": true,
	"noscript": true, "form": true, "select": true, "button": true,
}

var voidTags = map[string]bool{"br": true, "hr": true}

// normalize re-serializes the story text as XHTML: paragraph and emphasis
// structure survives, attributes and site chrome do not. The output has to be
// valid XHTML because it ends up inside an EPUB content document.
func normalize(sel *goquery.Selection) (string, error) {
	var b strings.Builder
	for _, node := range sel.Nodes {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderNode(&b, child)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func renderNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
	case html.ElementNode:
		name := strings.ToLower(n.Data)
		if dropTags[name] {
			return
		}
		if !keepTags[name] {
			// Unknown wrapper: keep its content, lose the tag.
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				renderNode(b, child)
			}
			return
		}
		if voidTags[name] {
			b.WriteString("<" + name + "/>")
			return
		}
		b.WriteString("<" + name + ">")
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			renderNode(b, child)
		}
		b.WriteString("</" + name + ">")
	}
}
