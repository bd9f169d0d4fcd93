package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/planforge/mindsync/internal/logging"
)

// Request describes the app to plan.
type Request struct {
	Description string
	AppType     string
}

// Generator produces a raw generation response for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// DefaultMaxTokens bounds the reply when no limit is configured.
const DefaultMaxTokens = 8192

const systemPrompt = `You plan software projects. Reply with one JSON object and nothing else:
{
  "mindmap": {"title": string, "nodes": [{"id": string, "title": string, "parentId": string}]},
  "features": [{"ref": string, "nodeId": string, "title": string, "description": string,
                "priority": "high"|"medium"|"low", "complexity": "low"|"medium"|"high",
                "category": "core"|"ui"|"integration"|"admin"}],
  "userStories": [{"featureRef": string, "title": string, "description": string,
                   "acceptanceCriteria": [string], "priority": "high"|"medium"|"low"}]
}
Every feature has a unique ref. Every user story's featureRef is the ref of its feature.`

// AnthropicConfig configures an AnthropicGenerator.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Logger    *logging.Logger
}

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *logging.Logger
}

var _ Generator = (*AnthropicGenerator)(nil)

// NewAnthropicGenerator creates a generator. Extra request options (base
// URL, HTTP client, retries) are passed to the SDK client.
func NewAnthropicGenerator(cfg AnthropicConfig, opts ...option.RequestOption) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required (set ai.api_key or ANTHROPIC_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		log:       logging.OrNop(cfg.Logger).Named("generate"),
	}, nil
}

// Generate sends the request and returns the JSON object from the reply.
// The reply is not validated here; pass it to Validate or ImportRaw.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("description is required")
	}

	prompt := "Project description:\n" + req.Description
	if req.AppType != "" {
		prompt += "\n\nApp type: " + req.AppType
	}

	g.log.Debug("requesting generation", "model", g.model, "app_type", req.AppType)
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call generation service: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("generation service returned no text (stop reason %s)", msg.StopReason)
	}

	g.log.Info("generation complete", "model", g.model,
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)
	return []byte(extractJSON(text.String())), nil
}
