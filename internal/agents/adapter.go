// Package agents implements the upstream language-model adapters.
//
// The adapter set is closed: ollama, openai (and any OpenAI-compatible
// endpoint) and anthropic. Adapters are built once at startup from
// configuration and never retry on their own; retry, fallback and health
// tracking belong to the orchestrator and registry.
package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/querygate/querygate/pkg/models"
)

// Adapter is the capability surface of one upstream agent.
type Adapter interface {
	// Translate turns a natural-language question into SQL.
	Translate(ctx context.Context, question string) (string, error)
	// Summarize produces business insights for the given data summary.
	Summarize(ctx context.Context, text string) (string, error)
	// HealthCheck reports whether the upstream answers at all.
	HealthCheck(ctx context.Context) bool
}

// Config describes one agent.
type Config struct {
	ID           string              `yaml:"id"`
	Kind         string              `yaml:"kind"`
	Endpoint     string              `yaml:"endpoint"`
	Model        string              `yaml:"model"`
	APIKey       string              `yaml:"api_key"`
	Capabilities []models.Capability `yaml:"capabilities"`
	MaxTokens    int                 `yaml:"max_tokens"`
	Tables       []string            `yaml:"tables"`
}

// Kinds lists the supported adapter kinds.
var Kinds = []string{"ollama", "openai", "anthropic"}

// New builds the adapter for cfg.Kind. Unknown kinds are a configuration
// error.
func New(cfg Config, client *http.Client) (Adapter, error) {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	p := newPrompter(cfg.Tables)

	switch cfg.Kind {
	case "ollama":
		return newOllama(cfg, client, p), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api_key not configured for agent %s", cfg.ID)
		}
		return newOpenAI(cfg, client, p), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api_key not configured for agent %s", cfg.ID)
		}
		return newAnthropic(cfg, client, p), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q (supported: %s)", cfg.Kind, strings.Join(Kinds, ", "))
	}
}

// completer is the single call each provider implements; the prompt
// shaping around it is shared.
type completer interface {
	complete(ctx context.Context, prompt string) (string, error)
	ping(ctx context.Context) error
}

// adapter wraps a provider completer with prompts and response checks.
type adapter struct {
	name     string
	provider completer
	prompts  prompter
}

func (a *adapter) Translate(ctx context.Context, question string) (string, error) {
	out, err := a.call(ctx, a.prompts.translate(question))
	if err != nil {
		return "", err
	}
	sql := StripCodeFences(out)
	if sql == "" {
		return "", models.NewError(models.ErrAgentInvalidResponse, "%s: empty SQL in response", a.name)
	}
	return sql, nil
}

func (a *adapter) Summarize(ctx context.Context, text string) (string, error) {
	return a.call(ctx, a.prompts.insight(text))
}

func (a *adapter) HealthCheck(ctx context.Context) bool {
	return a.provider.ping(ctx) == nil
}

func (a *adapter) call(ctx context.Context, prompt string) (string, error) {
	out, err := a.provider.complete(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", models.WrapError(models.ErrAgentTimeout, err, a.name+": call timed out")
		}
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", models.NewError(models.ErrAgentInvalidResponse, "%s: empty response", a.name)
	}
	return out, nil
}

// StripCodeFences removes a surrounding markdown code block, with or
// without a language tag, and trims whitespace.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
