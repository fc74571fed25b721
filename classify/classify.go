// Package classify implements the hybrid document classifier: a
// deterministic rule-based pass over a fixed system-category registry, a
// language-model pass returning structured JSON, and a weighted merge of
// the two. The model pass degrades gracefully: on any model failure the
// rule-based result stands alone with safe defaults.
package classify

import (
	"context"
	"log/slog"
)

// Merge weights and retention thresholds.
const (
	categoryRuleWeight  = 0.4
	categoryModelWeight = 0.6
	categoryKeepAbove   = 0.4
	categoryTopN        = 3

	tagRuleWeight  = 0.3
	tagModelWeight = 0.7
	tagKeepAbove   = 0.3
	tagTopN        = 5
)

// Result is the final merged classification of one document or page.
type Result struct {
	PrimaryCategory string
	Categories      []Scored
	Tags            []Scored
	ContentType     string
	Language        string
	Sentiment       string
	Summary         string
	Entities        []string
}

// Classifier runs both passes and merges them.
type Classifier struct {
	model  *ModelClassifier // nil = rule-based only
	logger *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithModel enables the model-based pass.
func WithModel(m *ModelClassifier) Option {
	return func(c *Classifier) { c.model = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// New creates a Classifier. Without WithModel it runs rule-based only.
func New(opts ...Option) *Classifier {
	c := &Classifier{logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify never fails: model errors fall back to the rule-based pass with
// default content type, language and sentiment.
func (c *Classifier) Classify(ctx context.Context, text string, kind SourceKind, tenantCategories []string) *Result {
	rule := RuleClassify(text)

	var model *ModelResult
	if c.model != nil {
		m, err := c.model.Classify(ctx, text, kind, tenantCategories)
		if err != nil {
			c.logger.Warn("classify: model pass failed, rule-based only", "error", err)
		} else {
			model = m
		}
	}

	res := merge(rule, model)
	if c.model != nil && model != nil {
		res.Entities = c.model.Entities(ctx, text)
	}
	return res
}

// merge combines rule and model scores with fixed weights. A name present
// in only one pass still contributes its weighted score.
func merge(rule RuleResult, model *ModelResult) *Result {
	res := &Result{
		ContentType: "document",
		Language:    "en",
		Sentiment:   "neutral",
	}

	modelCats := make(map[string]float64)
	modelTags := make(map[string]float64)
	if model != nil {
		for _, s := range model.Categories {
			modelCats[s.Name] = s.Confidence
		}
		for _, s := range model.Tags {
			modelTags[s.Name] = s.Confidence
		}
		res.PrimaryCategory = model.PrimaryCategory
		res.ContentType = model.ContentType
		res.Language = model.Language
		res.Sentiment = model.Sentiment
		res.Summary = model.Summary
	}

	res.Categories = rank(
		weightedSum(rule.Categories, modelCats, categoryRuleWeight, categoryModelWeight),
		categoryKeepAbove, categoryTopN)
	res.Tags = rank(
		weightedSum(rule.Tags, modelTags, tagRuleWeight, tagModelWeight),
		tagKeepAbove, tagTopN)

	if res.PrimaryCategory == "" && len(res.Categories) > 0 {
		res.PrimaryCategory = res.Categories[0].Name
	}
	return res
}

func weightedSum(rule, model map[string]float64, wRule, wModel float64) map[string]float64 {
	out := make(map[string]float64, len(rule)+len(model))
	for name, conf := range rule {
		out[name] += wRule * conf
	}
	for name, conf := range model {
		out[name] += wModel * conf
	}
	return out
}
