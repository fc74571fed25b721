package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// SourceKind distinguishes uploaded documents from scraped web pages. Web
// pages get a shorter preview: scraped text is noisier per character.
type SourceKind string

const (
	SourceDocument SourceKind = "document"
	SourceWebPage  SourceKind = "web_page"
)

// Preview lengths per source kind.
const (
	previewDocument = 4000
	previewWebPage  = 2000
	maxEntities     = 10
)

// ChatClient is the slice of the OpenAI client the classifier uses.
// *openai.Client satisfies it; tests inject fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelResult is the validated response of the model-based pass.
type ModelResult struct {
	PrimaryCategory string   `json:"primary_category"`
	Categories      []Scored `json:"-"`
	Tags            []Scored `json:"-"`
	ContentType     string   `json:"content_type"`
	Language        string   `json:"language"`
	Sentiment       string   `json:"sentiment"`
	Summary         string   `json:"summary"`
}

// modelResponse is the raw JSON shape required from the model.
type modelResponse struct {
	PrimaryCategory string `json:"primary_category"`
	Categories      []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"categories"`
	Tags []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"tags"`
	ContentType string `json:"content_type"`
	Language    string `json:"language"`
	Sentiment   string `json:"sentiment"`
	Summary     string `json:"summary"`
}

// ModelConfig configures the model-based pass.
type ModelConfig struct {
	// Model is the chat model name. Default: gpt-4o-mini.
	Model string
}

func (c *ModelConfig) defaults() {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
}

// ModelClassifier runs the language-model classification pass.
type ModelClassifier struct {
	client ChatClient
	cfg    ModelConfig
}

// NewModelClassifier wraps a chat client.
func NewModelClassifier(client ChatClient, cfg ModelConfig) *ModelClassifier {
	cfg.defaults()
	return &ModelClassifier{client: client, cfg: cfg}
}

const classifySystemPrompt = `You classify business documents. Respond with a single JSON object:
{"primary_category": string,
 "categories": [{"name": string, "confidence": number}],
 "tags": [{"name": string, "confidence": number}],
 "content_type": string,
 "language": string (ISO 639-1),
 "sentiment": "positive"|"neutral"|"negative",
 "summary": string (one or two sentences)}
Confidences are between 0 and 1. Prefer the provided category names when they fit.`

// Classify sends a preview of the text plus the tenant's category names to
// the model and returns the validated result.
func (m *ModelClassifier) Classify(ctx context.Context, text string, kind SourceKind, tenantCategories []string) (*ModelResult, error) {
	preview := previewDocument
	if kind == SourceWebPage {
		preview = previewWebPage
	}
	if len(text) > preview {
		text = text[:preview]
	}

	var user strings.Builder
	if len(tenantCategories) > 0 {
		user.WriteString("Known categories: ")
		user.WriteString(strings.Join(tenantCategories, ", "))
		user.WriteString("\n\n")
	}
	user.WriteString("Text:\n")
	user.WriteString(text)

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.cfg.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classify: model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify: model returned no choices")
	}

	var raw modelResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &raw); err != nil {
		return nil, fmt.Errorf("classify: malformed model JSON: %w", err)
	}
	return validateModelResponse(raw), nil
}

// validateModelResponse clamps confidences into [0,1] and coerces missing
// fields to safe defaults.
func validateModelResponse(raw modelResponse) *ModelResult {
	res := &ModelResult{
		PrimaryCategory: strings.TrimSpace(raw.PrimaryCategory),
		ContentType:     strings.TrimSpace(raw.ContentType),
		Language:        strings.TrimSpace(raw.Language),
		Sentiment:       strings.TrimSpace(raw.Sentiment),
		Summary:         strings.TrimSpace(raw.Summary),
	}
	if res.ContentType == "" {
		res.ContentType = "document"
	}
	if res.Language == "" {
		res.Language = "en"
	}
	switch res.Sentiment {
	case "positive", "neutral", "negative":
	default:
		res.Sentiment = "neutral"
	}
	for _, c := range raw.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		res.Categories = append(res.Categories, Scored{Name: name, Confidence: clamp01(c.Confidence)})
	}
	for _, tg := range raw.Tags {
		name := strings.ToLower(strings.TrimSpace(tg.Name))
		if name == "" {
			continue
		}
		res.Tags = append(res.Tags, Scored{Name: name, Confidence: clamp01(tg.Confidence)})
	}
	return res
}

const entitiesSystemPrompt = `Extract up to 10 key entities (organizations, people, products, places) from the text. Respond with a single JSON object: {"entities": [string]}.`

// Entities asks the model for up to 10 key entities. Failures yield an
// empty list and never abort classification.
func (m *ModelClassifier) Entities(ctx context.Context, text string) []string {
	if len(text) > previewWebPage {
		text = text[:previewWebPage]
	}
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.cfg.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: entitiesSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil || len(resp.Choices) == 0 {
		return nil
	}
	var raw struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &raw); err != nil {
		return nil
	}
	if len(raw.Entities) > maxEntities {
		raw.Entities = raw.Entities[:maxEntities]
	}
	return raw.Entities
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
