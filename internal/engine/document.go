package engine

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

const blankHTML = "<html><head></head><body></body></html>"

// Document is the parsed content of a frame. It is a static snapshot:
// scripts read it but do not mutate it.
type Document struct {
	url *url.URL
	doc *goquery.Document
}

// ParseDocument parses an HTML body loaded from u.
func ParseDocument(u *url.URL, body []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Url = u
	return &Document{url: u, doc: doc}, nil
}

func blankDocument(u *url.URL) *Document {
	d, err := ParseDocument(u, []byte(blankHTML))
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Document) URL() string {
	return d.url.String()
}

func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// HTML serialises the document.
func (d *Document) HTML() string {
	s, err := d.doc.Html()
	if err != nil {
		return ""
	}
	return s
}

// Find returns the elements matching selector. Invalid selectors are an
// error rather than an empty match.
func (d *Document) Find(selector string) (*goquery.Selection, error) {
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return d.doc.Find(selector), nil
}

// Query returns snapshots of the elements matching selector.
func (d *Document) Query(selector string) ([]Element, error) {
	sel, err := d.Find(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, newElement(s))
	})
	return out, nil
}

type script struct {
	src  string
	text string
}

// scripts lists the classic scripts in document order.
func (d *Document) scripts() []script {
	var out []script
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if t := strings.ToLower(strings.TrimSpace(s.AttrOr("type", ""))); t != "" &&
			!strings.Contains(t, "javascript") && !strings.Contains(t, "ecmascript") {
			return
		}
		src, _ := s.Attr("src")
		out = append(out, script{src: strings.TrimSpace(src), text: s.Text()})
	})
	return out
}

// frameSources lists the src of every iframe, "" for none.
func (d *Document) frameSources() []string {
	var out []string
	d.doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.AttrOr("src", "")))
	})
	return out
}

// Element is a detached snapshot of a document element.
type Element struct {
	Tag        string
	ID         string
	Text       string
	HTML       string
	Attributes map[string]string
}

func newElement(s *goquery.Selection) Element {
	e := Element{
		Tag:        goquery.NodeName(s),
		Text:       s.Text(),
		Attributes: make(map[string]string),
	}
	if len(s.Nodes) != 0 {
		for _, a := range s.Nodes[0].Attr {
			e.Attributes[a.Key] = a.Val
		}
	}
	e.ID = e.Attributes["id"]
	if h, err := goquery.OuterHtml(s); err == nil {
		e.HTML = h
	}
	return e
}

// Map renders the element for script consumption.
func (e Element) Map() map[string]any {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"tagName":    strings.ToUpper(e.Tag),
		"id":         e.ID,
		"text":       e.Text,
		"html":       e.HTML,
		"attributes": attrs,
	}
}
