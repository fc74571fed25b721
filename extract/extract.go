// Package extract turns raw HTML into clean plain text for chunking and
// classification. It selects a main-content region, strips noise elements,
// normalizes whitespace and computes a stable content hash.
//
// Determinism matters here: identical HTML input must produce byte-identical
// text, because the content hash is the dedup key in the vector store and
// must be stable across retries.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MinContentLen is the minimum cleaned-text length for a page to count as
// having real content.
const MinContentLen = 50

// ErrInsufficientContent is returned when the cleaned text is shorter than
// MinContentLen. The caller records the page as failed.
var ErrInsufficientContent = errors.New("extract: insufficient content")

// Result is the cleaned output of one HTML document.
type Result struct {
	Title string
	Text  string
	Hash  string // hex-encoded SHA-256 of Text
}

// Clean parses raw HTML, locates the main content region, strips noise and
// returns title, normalized text and content hash.
func Clean(rawHTML []byte) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	title := findTitle(doc)
	region := findMainRegion(doc)
	if region == nil {
		return nil, ErrInsufficientContent
	}

	stripNoise(region)
	text := renderText(region)
	if len(text) < MinContentLen {
		return nil, ErrInsufficientContent
	}

	sum := sha256.Sum256([]byte(text))
	return &Result{
		Title: title,
		Text:  text,
		Hash:  hex.EncodeToString(sum[:]),
	}, nil
}

// Hash computes the hex SHA-256 of arbitrary text. Exposed so the vector
// ingestor and the cleaner agree on one hash definition.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// findTitle returns the <title> text, falling back to the first <h1>.
func findTitle(doc *html.Node) string {
	if t := firstMatch(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title }); t != nil {
		return strings.TrimSpace(collectText(t))
	}
	if h1 := firstMatch(doc, func(n *html.Node) bool { return n.DataAtom == atom.H1 }); h1 != nil {
		return strings.TrimSpace(collectText(h1))
	}
	return ""
}

// mainSelectors are tried in order; the first hit wins. <body> is the final
// fallback so a selector-free page still yields its full text.
var mainSelectors = []func(*html.Node) bool{
	func(n *html.Node) bool { return n.DataAtom == atom.Main },
	func(n *html.Node) bool { return n.DataAtom == atom.Article },
	func(n *html.Node) bool { return attrVal(n, "role") == "main" },
	func(n *html.Node) bool { return hasClass(n, "content") },
	func(n *html.Node) bool { return hasClass(n, "main-content") },
	func(n *html.Node) bool { return attrVal(n, "id") == "content" },
	func(n *html.Node) bool { return attrVal(n, "id") == "main" },
	func(n *html.Node) bool { return n.DataAtom == atom.Body },
}

func findMainRegion(doc *html.Node) *html.Node {
	for _, sel := range mainSelectors {
		if n := firstMatch(doc, sel); n != nil {
			return n
		}
	}
	return nil
}

// noiseTags are removed wholesale from the content region.
var noiseTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Embed:    true,
	atom.Object:   true,
	atom.Svg:      true,
	atom.Canvas:   true,
	atom.Video:    true,
	atom.Audio:    true,
	atom.Source:   true,
	atom.Track:    true,
	atom.Img:      true,
	atom.Link:     true,
	atom.Meta:     true,
	atom.Base:     true,
}

// noiseClassFragments mark ad/consent/popup chrome. Matched as substrings of
// the class attribute. Nav/header/footer/aside are deliberately NOT stripped:
// real content often lives there.
var noiseClassFragments = []string{
	"advertisement",
	"banner",
	"cookie-banner",
	"cookie-consent",
	"popup",
	"modal",
}

func stripNoise(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && isNoise(c) {
			n.RemoveChild(c)
			continue
		}
		stripNoise(c)
	}
}

func isNoise(n *html.Node) bool {
	if noiseTags[n.DataAtom] {
		return true
	}
	class := strings.ToLower(attrVal(n, "class"))
	if class == "" {
		return false
	}
	for _, frag := range noiseClassFragments {
		if strings.Contains(class, frag) {
			return true
		}
	}
	return false
}

// blockTags force a line break around their content when rendering text.
var blockTags = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Aside: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Li: true,
	atom.Ul: true, atom.Ol: true, atom.Table: true, atom.Tr: true,
	atom.Blockquote: true, atom.Pre: true, atom.Br: true, atom.Dt: true,
	atom.Dd: true, atom.Figcaption: true,
}

// renderText flattens the region to lines, collapses inner whitespace and
// drops lines that are too short or punctuation-only.
func renderText(region *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		block := n.Type == html.ElementNode && blockTags[n.DataAtom]
		if block {
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			sb.WriteByte('\n')
		}
	}
	walk(region)

	var lines []string
	for _, raw := range strings.Split(sb.String(), "\n") {
		line := strings.Join(strings.Fields(raw), " ")
		if len(line) <= 2 || punctuationOnly(line) {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func punctuationOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// firstMatch walks the tree in document order and returns the first element
// node satisfying pred.
func firstMatch(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := firstMatch(c, pred); m != nil {
			return m
		}
	}
	return nil
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasClass reports whether the class attribute contains the exact token.
func hasClass(n *html.Node, token string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == token {
			return true
		}
	}
	return false
}
