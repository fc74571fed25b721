package classify

import (
	"sort"
	"strings"
)

// Scoring parameters of the rule-based pass.
const (
	keywordWeight      = 0.1
	regexWeight        = 0.2
	regexMatchCap      = 3
	ruleRetainAbove    = 0.3
	tagConfidenceRatio = 0.8
	tagsPerCategory    = 3
)

// RuleResult is the deterministic first classification pass.
type RuleResult struct {
	Categories map[string]float64 // category name → confidence
	Tags       map[string]float64 // tag name → confidence
}

// RuleClassify scores text against the system-category registry. For each
// category: +0.1 per keyword present, +0.2 per regex match (capped at 3 per
// pattern), then a density adjustment rewarding texts saturated with
// category vocabulary. Categories above 0.3 are retained; their top matched
// keywords become candidate tags at 0.8x the category confidence.
func RuleClassify(text string) RuleResult {
	lower := strings.ToLower(text)
	wordCount := len(strings.Fields(text))
	if wordCount == 0 {
		wordCount = 1
	}

	res := RuleResult{
		Categories: make(map[string]float64),
		Tags:       make(map[string]float64),
	}

	for _, cat := range SystemCategories {
		score := 0.0
		matches := 0
		var hitKeywords []string

		for _, kw := range cat.Keywords {
			if strings.Contains(lower, kw) {
				score += keywordWeight
				matches++
				hitKeywords = append(hitKeywords, kw)
			}
		}
		for _, pat := range cat.Patterns {
			n := len(pat.FindAllStringIndex(text, regexMatchCap))
			score += regexWeight * float64(n)
			matches += n
		}
		if score == 0 {
			continue
		}

		density := float64(matches) / float64(wordCount)
		confidence := score * (1 + density*10)
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence <= ruleRetainAbove {
			continue
		}

		res.Categories[cat.Name] = confidence
		// Registry keywords are already lower-case single words; the map
		// dedups repeats so a tag counts once per document.
		for _, kw := range topKeywords(hitKeywords, tagsPerCategory) {
			tagConf := confidence * tagConfidenceRatio
			if tagConf > res.Tags[kw] {
				res.Tags[kw] = tagConf
			}
		}
	}
	return res
}

// topKeywords returns up to n keywords, registry order preserved.
func topKeywords(hits []string, n int) []string {
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

// Scored is a name with a confidence in [0,1].
type Scored struct {
	Name       string
	Confidence float64
}

// rank sorts scored entries by confidence descending, name ascending for
// determinism, and truncates to n.
func rank(m map[string]float64, keepAbove float64, n int) []Scored {
	var out []Scored
	for name, conf := range m {
		if conf > keepAbove {
			out = append(out, Scored{Name: name, Confidence: conf})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
