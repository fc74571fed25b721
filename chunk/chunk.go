// Package chunk splits long text into overlapping windows for embedding.
//
// The splitter is recursive: it prefers paragraph boundaries, then line
// boundaries, then word boundaries, and only cuts mid-word as a last resort.
package chunk

import "strings"

// Default splitting parameters.
const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Options configures the splitter.
type Options struct {
	// Size is the target maximum chunk length in bytes. Default: 500.
	Size int
	// Overlap is how many trailing bytes of one chunk reappear at the start
	// of the next. Default: 50.
	Overlap int
	// Separators are tried in order; the first one present in the text is
	// used at each recursion level. Default: ["\n\n", "\n", " ", ""].
	Separators []string
}

func (o *Options) defaults() {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		o.Overlap = DefaultOverlap
	}
	if len(o.Separators) == 0 {
		o.Separators = []string{"\n\n", "\n", " ", ""}
	}
}

// Split breaks text into chunks of at most opts.Size bytes with opts.Overlap
// bytes of overlap between consecutive chunks. Empty and whitespace-only
// chunks are dropped.
func Split(text string, opts Options) []string {
	opts.defaults()
	out := split(text, opts.Separators, opts.Size, opts.Overlap)
	if out == nil {
		out = []string{}
	}
	return out
}

func split(text string, seps []string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= size {
		return []string{strings.TrimSpace(text)}
	}

	sep, rest := pickSeparator(text, seps)
	var parts []string
	if sep == "" {
		parts = cutEvery(text, size)
	} else {
		parts = strings.Split(text, sep)
	}

	// Oversized parts recurse with the finer separators; the rest are merged
	// back into windows of at most size bytes.
	var pieces []string
	for _, p := range parts {
		if len(p) > size {
			pieces = append(pieces, split(p, rest, size, overlap)...)
		} else if strings.TrimSpace(p) != "" {
			pieces = append(pieces, p)
		}
	}
	return merge(pieces, sep, size, overlap)
}

func pickSeparator(text string, seps []string) (sep string, rest []string) {
	for i, s := range seps {
		if s == "" {
			return "", nil
		}
		if strings.Contains(text, s) {
			return s, seps[i+1:]
		}
	}
	return "", nil
}

func cutEvery(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// merge packs pieces into chunks of at most size bytes, carrying overlap
// bytes of trailing pieces into the next chunk.
func merge(pieces []string, sep string, size, overlap int) []string {
	sepLen := len(sep)
	var chunks []string
	var window []string
	total := 0

	flush := func() {
		doc := strings.TrimSpace(strings.Join(window, sep))
		if doc != "" {
			chunks = append(chunks, doc)
		}
	}

	for _, p := range pieces {
		extra := len(p)
		if len(window) > 0 {
			extra += sepLen
		}
		if total+extra > size && len(window) > 0 {
			flush()
			// Slide the window: drop leading pieces until the retained tail
			// fits in the overlap budget.
			for total > overlap && len(window) > 0 {
				drop := len(window[0])
				if len(window) > 1 {
					drop += sepLen
				}
				total -= drop
				window = window[1:]
			}
		}
		window = append(window, p)
		total += len(p)
		if len(window) > 1 {
			total += sepLen
		}
	}
	flush()
	return chunks
}
