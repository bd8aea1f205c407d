// Package extract turns listing HTML into the plain text and image URL the
// analysis needs. Scripts, styles and page chrome are stripped with goquery and
// the body text comes from go-readability, falling back to all visible text.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// ErrNoContent is returned when a page yields no text at all.
var ErrNoContent = errors.New("extract: no content found")

const jsonLDHeader = "JSON-LD Data:\n"

// ignoredSelector lists elements that never contribute listing text. Nav and
// footer are kept since realtors often put the address there.
const ignoredSelector = "script, style, noscript, iframe, header"

// Package-level injectable function vars so tests can reach error paths.
var (
	parseDocumentFunc = goquery.NewDocumentFromReader
	renderHTMLFunc    = func(doc *goquery.Document) (string, error) { return doc.Html() }
	readabilityFunc   = func(input io.Reader, pageURL *url.URL) (readability.Article, error) {
		return readability.FromReader(input, pageURL)
	}
)

// Extractor extracts text and images from listing pages.
type Extractor struct {
	logger *slog.Logger
}

// Option is a functional option for configuring an Extractor.
type Option func(*Extractor)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Text returns the title, meta description and readable body text of the page
// joined by single spaces, followed by any JSON-LD blocks.
func (e *Extractor) Text(rawHTML []byte, pageURL string) (string, error) {
	if len(bytes.TrimSpace(rawHTML)) == 0 {
		return "", ErrNoContent
	}
	doc, err := parseDocumentFunc(bytes.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("extract: parse html: %w", err)
	}

	blocks := jsonLD(doc, e.log())
	title := collapse(doc.Find("title").First().Text())
	desc := ""
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if name, _ := s.Attr("name"); strings.EqualFold(name, "description") {
			desc = collapse(s.AttrOr("content", ""))
			return false
		}
		return true
	})

	doc.Find(ignoredSelector).Remove()
	cleaned, err := renderHTMLFunc(doc)
	if err != nil {
		return "", fmt.Errorf("extract: render html: %w", err)
	}
	body := e.readable(cleaned, pageURL)
	if body == "" {
		body = collapse(doc.Find("body").Text())
		if body == "" {
			body = collapse(doc.Text())
		}
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{title, desc, body} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	text := strings.Join(parts, " ")
	if len(blocks) > 0 {
		if ld, err := json.MarshalIndent(blocks, "", "  "); err == nil {
			text = strings.TrimSpace(text + "\n\n" + jsonLDHeader + string(ld))
		}
	}
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

func (e *Extractor) readable(htmlContent, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readabilityFunc(strings.NewReader(htmlContent), u)
	if err != nil {
		e.log().Debug("readability extraction failed", "url", pageURL, "error", err)
		return ""
	}
	return collapse(article.TextContent)
}

// jsonLD returns every parseable application/ld+json block, flattening
// top-level arrays.
func jsonLD(doc *goquery.Document, logger *slog.Logger) []json.RawMessage {
	var out []json.RawMessage
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			out = append(out, list...)
			return
		}
		var obj json.RawMessage
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			logger.Warn("skipping malformed JSON-LD block", "error", err)
			return
		}
		out = append(out, obj)
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
