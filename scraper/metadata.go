package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractMetadata parses rendered HTML and returns the document title and
// the fixed metadata set: every named or property meta tag with content, the canonical
// link and the document language. Missing fields are simply absent.
func ExtractMetadata(html string) (string, map[string]string) {
	meta := map[string]string{}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", meta
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := s.AttrOr("content", "")
		if content == "" {
			return
		}
		if name := strings.TrimSpace(s.AttrOr("name", "")); name != "" {
			meta[name] = content
			return
		}
		if prop := strings.TrimSpace(s.AttrOr("property", "")); prop != "" {
			meta[prop] = content
		}
	})

	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
			if rel == "canonical" {
				if href := strings.TrimSpace(s.AttrOr("href", "")); href != "" {
					meta["canonical"] = href
					return false
				}
			}
		}
		return true
	})

	if lang := strings.TrimSpace(doc.Find("html").AttrOr("lang", "")); lang != "" {
		meta["language"] = lang
	}

	return title, meta
}
