package extract

import (
	"errors"
	"strings"
	"testing"
)

const pageWithMain = `<!DOCTYPE html>
<html><head><title>Pricing — Acme</title>
<script>analytics.init()</script>
<style>.x{color:red}</style>
</head><body>
<nav>Home Pricing About</nav>
<div class="cookie-consent">We use cookies to improve your experience.</div>
<main>
  <h1>Pricing plans</h1>
  <p>Our starter plan includes five seats and unlimited projects for small teams.</p>
  <p>The business plan adds single sign-on and priority support for growing companies.</p>
  <div class="advertisement">Buy now! Limited offer!</div>
</main>
<footer>Copyright Acme</footer>
</body></html>`

func TestClean_MainRegionAndNoise(t *testing.T) {
	res, err := Clean([]byte(pageWithMain))
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if res.Title != "Pricing — Acme" {
		t.Errorf("title = %q", res.Title)
	}
	if !strings.Contains(res.Text, "starter plan includes five seats") {
		t.Errorf("main content missing:\n%s", res.Text)
	}
	// Outside <main>: excluded. Noise classes: excluded.
	for _, banned := range []string{"cookie", "Buy now", "Copyright", "analytics"} {
		if strings.Contains(res.Text, banned) {
			t.Errorf("noise %q leaked into text:\n%s", banned, res.Text)
		}
	}
	if len(res.Hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(res.Hash))
	}
}

func TestClean_SelectorCascade(t *testing.T) {
	cases := []struct {
		name string
		html string
		want string
	}{
		{"article beats class", `<body><article><p>Article body text that is long enough to pass the minimum.</p></article><div class="content"><p>Div content text that is also long enough to pass here.</p></div></body>`, "Article body"},
		{"role main", `<body><div role="main"><p>Role-main region text which is definitely long enough to count.</p></div></body>`, "Role-main region"},
		{"id content", `<body><div id="content"><p>Id-content region text which is definitely long enough to count.</p></div></body>`, "Id-content region"},
		{"body fallback", `<body><p>Plain body paragraph text that is long enough to pass the minimum.</p></body>`, "Plain body paragraph"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Clean([]byte(tc.html))
			if err != nil {
				t.Fatalf("Clean: %v", err)
			}
			if !strings.Contains(res.Text, tc.want) {
				t.Errorf("want %q in:\n%s", tc.want, res.Text)
			}
		})
	}
}

// Nav, header, footer and aside inside the content region are kept: real
// content often lives there.
func TestClean_KeepsStructuralElements(t *testing.T) {
	page := `<body><main><nav>Section navigation with meaningful labels here</nav>
	<p>The primary paragraph carries the substance of the page content.</p>
	<aside>Related reading suggestions live in this sidebar element.</aside></main></body>`
	res, err := Clean([]byte(page))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "Section navigation") || !strings.Contains(res.Text, "Related reading") {
		t.Errorf("structural elements were stripped:\n%s", res.Text)
	}
}

func TestClean_InsufficientContent(t *testing.T) {
	_, err := Clean([]byte(`<body><p>Too short.</p></body>`))
	if !errors.Is(err, ErrInsufficientContent) {
		t.Errorf("got %v, want ErrInsufficientContent", err)
	}
}

func TestClean_DropShortAndPunctuationLines(t *testing.T) {
	page := `<body><main>
	<p>ok</p>
	<p>---</p>
	<p>|</p>
	<p>A real sentence with enough words to survive the line filter easily.</p>
	</main></body>`
	res, err := Clean([]byte(page))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Text, "ok") || strings.Contains(res.Text, "---") {
		t.Errorf("short/punctuation lines survived:\n%s", res.Text)
	}
}

// Same input must yield byte-identical output: the hash is the dedup key
// across retries.
func TestClean_Deterministic(t *testing.T) {
	a, err := Clean([]byte(pageWithMain))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Clean([]byte(pageWithMain))
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != b.Text || a.Hash != b.Hash {
		t.Error("cleaner output is not deterministic")
	}
}

func TestClean_TitleFallbackToH1(t *testing.T) {
	page := `<body><main><h1>Heading Title</h1><p>Body paragraph long enough to pass the minimum content threshold.</p></main></body>`
	res, err := Clean([]byte(page))
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "Heading Title" {
		t.Errorf("title = %q, want h1 fallback", res.Title)
	}
}
