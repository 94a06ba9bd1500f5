// Package openrouter implements the opaque text service on top of the
// OpenAI SDK pointed at an OpenRouter-compatible endpoint.
package openrouter

import (
	"context"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
}

// Client is a contract.TextService backed by chat completions. Prompt
// construction stays on the caller's side; the client only moves text.
type Client struct {
	api         openaisdk.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, fmt.Errorf("%w: model name is required", contractx.ErrValidation)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if trimmed := strings.TrimRight(cfg.BaseURL, "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	// OpenRouter attribution headers.
	if cfg.SiteURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.SiteName != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.SiteName))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		api:         openaisdk.NewClient(opts...),
		model:       modelName,
		maxTokens:   cfg.MaxCompletionToken,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

// Complete sends one prompt and returns the completion text. A timeout of
// zero falls back to the configured default.
func (c *Client) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
		Temperature: openaisdk.Float(float64(c.temperature)),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(c.maxTokens))
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contractx.ErrTextService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", contractx.ErrTextService)
	}
	return resp.Choices[0].Message.Content, nil
}
