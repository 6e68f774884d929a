package agents

import (
	"context"
	"net/http"
	"strings"
)

// ── OpenAI / OpenAI-compatible ──────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAI struct {
	client    *http.Client
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
}

func newOpenAI(cfg Config, client *http.Client, p prompter) *adapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &adapter{
		name: "openai",
		provider: &openAI{
			client:    client,
			endpoint:  endpoint,
			model:     model,
			apiKey:    cfg.APIKey,
			maxTokens: cfg.MaxTokens,
		},
		prompts: p,
	}
}

func (o *openAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

func (o *openAI) complete(ctx context.Context, prompt string) (string, error) {
	var resp openAIResponse
	err := postJSON(ctx, o.client, "openai", o.endpoint+"/chat/completions", o.headers(),
		openAIRequest{
			Model:     o.model,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: o.maxTokens,
		}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *openAI) ping(ctx context.Context) error {
	return getOK(ctx, o.client, "openai", o.endpoint+"/models", o.headers())
}
