package ingest

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// extractArticle pulls the main text and a title out of an HTML page.
// Readability does the article extraction; goquery supplies the title when
// readability finds none; a plain tag-stripping walk is the last resort
// for pages readability rejects.
func extractArticle(body []byte, u *url.URL) (text, title string) {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil {
		text = article.TextContent
		title = article.Title
	}
	if strings.TrimSpace(text) == "" {
		if stripped, serr := htmlToText(bytes.NewReader(body)); serr == nil {
			text = stripped
		}
	}
	if title == "" {
		title = htmlTitle(body)
	}
	return text, title
}

// htmlTitle returns the page <title>, trimmed, or "".
func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// Elements whose subtrees carry no prose.
var skippedTags = map[string]bool{
	"head":     true,
	"iframe":   true,
	"noscript": true,
	"script":   true,
	"style":    true,
	"svg":      true,
	"template": true,
}

// Elements that end a paragraph-ish run of text.
var blockTags = map[string]bool{
	"article":    true,
	"blockquote": true,
	"br":         true,
	"div":        true,
	"h1":         true,
	"h2":         true,
	"h3":         true,
	"h4":         true,
	"h5":         true,
	"h6":         true,
	"li":         true,
	"p":          true,
	"pre":        true,
	"section":    true,
	"table":      true,
	"tr":         true,
	"ul":         true,
}

// htmlToText strips markup, keeping block boundaries as blank lines so the
// chunker still sees paragraphs.
func htmlToText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n\n")
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String()), nil
}
