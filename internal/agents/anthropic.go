package agents

import (
	"context"
	"net/http"
	"strings"
)

// ── Anthropic ───────────────────────────────────────────────

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropic struct {
	client    *http.Client
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
}

func newAnthropic(cfg Config, client *http.Client, p prompter) *adapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &adapter{
		name: "anthropic",
		provider: &anthropic{
			client:    client,
			endpoint:  endpoint,
			model:     model,
			apiKey:    cfg.APIKey,
			maxTokens: maxTokens,
		},
		prompts: p,
	}
}

func (a *anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func (a *anthropic) complete(ctx context.Context, prompt string) (string, error) {
	var resp anthropicResponse
	err := postJSON(ctx, a.client, "anthropic", a.endpoint+"/v1/messages", a.headers(),
		anthropicRequest{
			Model:     a.model,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: a.maxTokens,
		}, &resp)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String(), nil
}

// ping sends a one-token message; Anthropic has no cheaper authenticated
// endpoint.
func (a *anthropic) ping(ctx context.Context) error {
	var resp anthropicResponse
	return postJSON(ctx, a.client, "anthropic", a.endpoint+"/v1/messages", a.headers(),
		anthropicRequest{
			Model:     a.model,
			Messages:  []chatMessage{{Role: "user", Content: "Say OK"}},
			MaxTokens: 1,
		}, &resp)
}
