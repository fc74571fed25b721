package scrape

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// excludedExtensions are path suffixes that never lead to crawlable HTML.
var excludedExtensions = map[string]bool{
	// images
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".bmp": true, ".tiff": true,
	// documents
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".odt": true, ".rtf": true, ".csv": true,
	// archives
	".zip": true, ".tar": true, ".gz": true, ".rar": true, ".7z": true,
	// media
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wmv": true,
	".flv": true, ".wav": true, ".ogg": true, ".webm": true,
	// assets and data
	".js": true, ".css": true, ".xml": true, ".json": true,
	// executables
	".exe": true, ".dmg": true, ".apk": true, ".msi": true, ".bin": true,
	".iso": true,
}

// excludedPathSegments mark download/asset routes that serve files, not pages.
var excludedPathSegments = []string{
	"/download/", "/file/", "/asset/", "/static/", "/media/",
}

// Domain returns the lower-cased hostname of a URL.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}

// ExtractLinks pulls crawlable same-domain links out of a rendered page.
// Relative URLs are resolved against pageURL, fragments are stripped, query
// strings preserved, and the result is deduplicated in discovery order.
func ExtractLinks(rawHTML []byte, pageURL, baseDomain string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	baseDomain = strings.ToLower(baseDomain)

	seen := make(map[string]bool)
	var links []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if href := attrVal(n, "href"); href != "" {
				if normalized, ok := normalizeLink(base, href, baseDomain); ok && !seen[normalized] {
					seen[normalized] = true
					links = append(links, normalized)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func normalizeLink(base *url.URL, href, baseDomain string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if strings.ToLower(u.Hostname()) != baseDomain {
		return "", false
	}
	if excludedExtensions[strings.ToLower(path.Ext(u.Path))] {
		return "", false
	}
	lowerPath := strings.ToLower(u.Path)
	for _, seg := range excludedPathSegments {
		if strings.Contains(lowerPath, seg) {
			return "", false
		}
	}

	u.Fragment = ""
	return u.String(), true
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
