package extract

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// skipImageMarkers are substrings of image URLs that are page chrome rather
// than photos of the property.
var skipImageMarkers = []string{
	".svg", "base64,", "logo", "icon", "avatar", "spinner", "loading", "placeholder",
}

// ImageURL returns the most likely property photo: a JSON-LD image, then
// og:image, then twitter:image, then the first content <img>. Relative URLs are
// resolved against pageURL. It returns "" when nothing suitable is found.
func (e *Extractor) ImageURL(rawHTML []byte, pageURL string) string {
	if len(bytes.TrimSpace(rawHTML)) == 0 {
		return ""
	}
	doc, err := parseDocumentFunc(bytes.NewReader(rawHTML))
	if err != nil {
		e.log().Debug("image extraction: parse failed", "url", pageURL, "error", err)
		return ""
	}
	base, _ := url.Parse(pageURL)

	for _, block := range jsonLD(doc, e.log()) {
		if img := jsonLDImage(block); img != "" {
			return img
		}
	}

	if img := metaContent(doc, "property", "og:image"); img != "" {
		return resolve(base, img)
	}
	if img := metaContent(doc, "name", "twitter:image", "twitter:image:src"); img != "" {
		return resolve(base, img)
	}

	found := ""
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := resolve(base, s.AttrOr("src", ""))
		if strings.HasPrefix(src, "http") && !skippedImage(src) {
			found = src
			return false
		}
		return true
	})
	return found
}

func metaContent(doc *goquery.Document, attr string, names ...string) string {
	content := ""
	doc.Find("meta[" + attr + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := strings.ToLower(s.AttrOr(attr, ""))
		for _, n := range names {
			if v == n {
				content = strings.TrimSpace(s.AttrOr("content", ""))
				if content != "" {
					return false
				}
			}
		}
		return true
	})
	return content
}

// jsonLDImage looks for image, image[0] or offers.itemOffered.image.
func jsonLDImage(block json.RawMessage) string {
	var item struct {
		Image  json.RawMessage `json:"image"`
		Offers struct {
			ItemOffered struct {
				Image json.RawMessage `json:"image"`
			} `json:"itemOffered"`
		} `json:"offers"`
	}
	if json.Unmarshal(block, &item) != nil {
		return ""
	}
	if img := absoluteImage(item.Image); img != "" {
		return img
	}
	return absoluteImage(item.Offers.ItemOffered.Image)
}

func absoluteImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && strings.HasPrefix(s, "http") {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 && strings.HasPrefix(list[0], "http") {
		return list[0]
	}
	var obj struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(raw, &obj) == nil && strings.HasPrefix(obj.URL, "http") {
		return obj.URL
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func skippedImage(src string) bool {
	lower := strings.ToLower(src)
	for _, m := range skipImageMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
