// Package gemini provides a Gemini-backed provider.RunFunc, giving the
// queue runtime one concrete external collaborator to dispatch against
// Adapted from a stock-analysis client into a generic
// prompt-completion run function: job input is a JSON object carrying a
// "prompt" string, job output is a JSON object carrying the generated text.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/providers"
)

const (
	DefaultModel   = "gemini-3-flash-preview"
	TaskTypePrompt = "prompt"
)

// Client wraps google.golang.org/genai for content generation.
type Client struct {
	client *genai.Client
	model  string
	logger *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithModel overrides the default model name.
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithLogger attaches a logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	c := &Client{
		client: genaiClient,
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateContent generates text from a prompt.
func (c *Client) GenerateContent(ctx context.Context, prompt string) (string, error) {
	c.logger.Debug().Str("model", c.model).Msg("Generating content")

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return extractText(result)
}

func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}
	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}

type promptInput struct {
	Prompt string `json:"prompt"`
}

type promptOutput struct {
	Text string `json:"text"`
}

// RunFunc adapts the client into a providers.RunFunc registrable as
// (provider="gemini", task_type=TaskTypePrompt).
func (c *Client) RunFunc() providers.RunFunc {
	return func(ctx context.Context, input []byte, model *providers.Model, progress providers.ProgressFunc, cancel providers.CancelSignal) ([]byte, error) {
		var in promptInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid prompt input: %w", err)
		}

		progress(0, "calling gemini", nil)
		if cancel.IsCancelled() {
			return nil, fmt.Errorf("cancelled before dispatch")
		}

		modelName := c.model
		if model != nil && model.Name != "" {
			modelName = model.Name
		}
		prevModel := c.model
		c.model = modelName
		text, err := c.GenerateContent(ctx, in.Prompt)
		c.model = prevModel
		if err != nil {
			return nil, err
		}

		progress(100, "done", nil)
		return json.Marshal(promptOutput{Text: text})
	}
}
