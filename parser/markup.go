package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blockElements render on their own line in a browser.
const blockElements = "p, div, li, ul, ol, tr, td, th, table, h1, h2, h3, h4, h5, h6, blockquote, section, article"

// StripMarkup converts an HTML fragment to plain text. Line breaks and block
// boundaries become spaces and whitespace is collapsed.
func StripMarkup(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if !strings.ContainsAny(s, "<&") {
		return NormalizeText(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return NormalizeText(s)
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find(blockElements).AppendHtml(" ")
	return NormalizeText(doc.Text())
}
