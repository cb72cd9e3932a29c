package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

var (
	// ErrMarkerNotFound is returned when no script contains the marker.
	ErrMarkerNotFound = errors.New("script marker not found")
	// ErrMalformedJSON is returned when the text after a marker is not a
	// complete JSON object.
	ErrMalformedJSON = errors.New("malformed embedded json")
)

// Page is a parsed HTML document.
type Page struct {
	doc *goquery.Document
}

// ParsePage parses an HTML body.
func ParsePage(body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{doc: doc}, nil
}

// ScriptJSON returns the first JSON object that follows marker inside a
// <script> element.
func (p *Page) ScriptJSON(marker string) (gjson.Result, error) {
	var (
		found bool
		raw   string
		err   error
	)
	p.doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		idx := strings.Index(text, marker)
		if idx < 0 {
			return true
		}
		found = true
		raw, err = balancedObject(text[idx+len(marker):])
		return false
	})
	if !found {
		return gjson.Result{}, fmt.Errorf("%w: %q", ErrMarkerNotFound, marker)
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("after %q: %w", marker, err)
	}
	return gjson.Parse(raw), nil
}

// Attr returns an attribute of the first element matching selector.
func (p *Page) Attr(selector, attr string) (string, bool) {
	return p.doc.Find(selector).First().Attr(attr)
}

// Has reports whether any element matches selector.
func (p *Page) Has(selector string) bool {
	return p.doc.Find(selector).Length() > 0
}

// balancedObject cuts the first complete {...} value out of s, skipping
// braces inside string literals.
func balancedObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrMalformedJSON
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				raw := s[start : i+1]
				if !gjson.Valid(raw) {
					return "", ErrMalformedJSON
				}
				return raw, nil
			}
		}
	}
	return "", ErrMalformedJSON
}
