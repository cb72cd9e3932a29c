package extract

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
)

// ParseTimedText reads a timed-text caption document: one element per line
// with start and dur attributes in seconds. Markup inside a line is dropped.
func ParseTimedText(body []byte, element string) ([]crawler.TranscriptSnippet, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse timed text: %w", err)
	}
	var snippets []crawler.TranscriptSnippet
	doc.Find(element).Each(func(_ int, s *goquery.Selection) {
		text := stripMarkup(s.Text())
		if text == "" {
			return
		}
		snippets = append(snippets, crawler.TranscriptSnippet{
			Text:     text,
			Start:    floatAttr(s, "start"),
			Duration: floatAttr(s, "dur"),
		})
	})
	return snippets, nil
}

// stripMarkup removes tags that were escaped inside caption text, such as
// <font color="#fff">.
func stripMarkup(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	frag, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	return frag.Text()
}

func floatAttr(s *goquery.Selection, name string) float64 {
	v, ok := s.Attr(name)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
