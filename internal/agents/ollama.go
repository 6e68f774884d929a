package agents

import (
	"context"
	"net/http"
	"strings"
)

// ── Ollama ──────────────────────────────────────────────────

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollama struct {
	client   *http.Client
	endpoint string
	model    string
}

func newOllama(cfg Config, client *http.Client, p prompter) *adapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama2"
	}
	return &adapter{
		name:     "ollama",
		provider: &ollama{client: client, endpoint: endpoint, model: model},
		prompts:  p,
	}
}

func (o *ollama) complete(ctx context.Context, prompt string) (string, error) {
	var resp ollamaGenerateResponse
	err := postJSON(ctx, o.client, "ollama", o.endpoint+"/api/generate", nil,
		ollamaGenerateRequest{
			Model:   o.model,
			Prompt:  prompt,
			Stream:  false,
			Options: map[string]any{"temperature": 0.7, "top_p": 0.9},
		}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

// ping lists local models, which only needs the daemon to be up.
func (o *ollama) ping(ctx context.Context) error {
	return getOK(ctx, o.client, "ollama", o.endpoint+"/api/tags", nil)
}
