// Package extract pulls the title, text and outbound links from HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// HTMLExtractor implements crawler.Extractor with goquery.
type HTMLExtractor struct{}

// New returns an HTMLExtractor.
func New() *HTMLExtractor {
	return &HTMLExtractor{}
}

// Extract parses body. Links are resolved against pageURL, normalized, and
// kept only when they are http(s). Anchor text falls back to the alt text of
// a nested image, then to the link itself. When a URL appears more than once
// the first non-empty text wins.
func (e *HTMLExtractor) Extract(body []byte, pageURL string) (crawler.Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Page{}, crawler.Extraction(fmt.Errorf("parse page url: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Page{}, crawler.Extraction(fmt.Errorf("parse html: %w", err))
	}

	page := crawler.Page{
		Title:        strings.TrimSpace(doc.Find("title").First().Text()),
		LinksToTexts: make(map[string]string),
	}

	paragraphs := make([]string, 0)
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	page.Text = strings.Join(paragraphs, " ")

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := resolve(base, href)
		if !ok {
			return
		}
		text := collapse(s.Text())
		if text == "" {
			if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok {
				text = strings.TrimSpace(alt)
			}
		}
		if text == "" {
			text = link
		}
		if existing, seen := page.LinksToTexts[link]; seen && existing != link {
			return
		}
		page.LinksToTexts[link] = text
	})

	return page, nil
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host == "" {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
