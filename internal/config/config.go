// Package config loads QueryGate configuration from the environment, an
// optional .env file and an optional YAML agents file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/querygate/querygate/internal/agents"
	"github.com/querygate/querygate/pkg/models"
)

// Config holds all configuration for the QueryGate server.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Hub       HubConfig
	Breaker   BreakerConfig
	Agent     AgentPolicy
	Agents    []agents.Config
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

type RateLimitConfig struct {
	Enabled           bool
	Window            time.Duration
	QueryLimit        int
	QueryBurst        int
	SubscriptionLimit int
	SubscriptionBurst int
	RedisURL          string
}

type CacheConfig struct {
	TTL time.Duration
}

type HubConfig struct {
	QueueCapacity  int
	OverflowPolicy string
	MaxSubscribers int
}

type BreakerConfig struct {
	FailureThreshold int
	DegradeAfter     int
	Cooldown         time.Duration
}

type AgentPolicy struct {
	CallTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	MaxFallbacks int
	AgentsFile   string
}

type DatabaseConfig struct {
	URL     string
	MaxRows int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// APIKeys maps an API key to the principal it authenticates.
	APIKeys map[string]string
}

// agentsFile is the YAML layout of QUERYGATE_AGENTS_FILE.
type agentsFile struct {
	Agents []agents.Config `yaml:"agents"`
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	cfg := &Config{
		Port:     envInt("QUERYGATE_PORT", 8080),
		Version:  envStr("QUERYGATE_VERSION", "0.1.0"),
		LogLevel: envStr("QUERYGATE_LOG_LEVEL", "info"),
		RateLimit: RateLimitConfig{
			Enabled:           envBool("RATE_LIMIT_ENABLED", true),
			Window:            envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			QueryLimit:        envInt("RATE_LIMIT_QUERY_LIMIT", 100),
			QueryBurst:        envInt("RATE_LIMIT_QUERY_BURST", 5),
			SubscriptionLimit: envInt("RATE_LIMIT_SUBSCRIPTION_LIMIT", 50),
			SubscriptionBurst: envInt("RATE_LIMIT_SUBSCRIPTION_BURST", 3),
			RedisURL:          envStr("REDIS_URL", ""),
		},
		Cache: CacheConfig{
			TTL: envDuration("CACHE_TTL", 5*time.Minute),
		},
		Hub: HubConfig{
			QueueCapacity:  envInt("HUB_QUEUE_CAPACITY", 64),
			OverflowPolicy: envStr("HUB_OVERFLOW_POLICY", "drop-oldest"),
			MaxSubscribers: envInt("HUB_MAX_SUBSCRIBERS", 0),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 3),
			DegradeAfter:     envInt("BREAKER_DEGRADE_AFTER", 1),
			Cooldown:         envDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Agent: AgentPolicy{
			CallTimeout:  envDuration("AGENT_CALL_TIMEOUT", 30*time.Second),
			MaxRetries:   envInt("AGENT_MAX_RETRIES", 2),
			BackoffBase:  envDuration("AGENT_BACKOFF_BASE", 500*time.Millisecond),
			MaxFallbacks: envInt("AGENT_MAX_FALLBACKS", 1),
			AgentsFile:   envStr("QUERYGATE_AGENTS_FILE", ""),
		},
		Database: DatabaseConfig{
			URL:     envStr("DATABASE_URL", ""),
			MaxRows: envInt("DATABASE_MAX_ROWS", 1000),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "querygate"),
		},
		Auth: AuthConfig{
			APIKeys: parseAPIKeys(envStr("QUERYGATE_API_KEYS", "")),
		},
	}

	if cfg.Agent.AgentsFile != "" {
		list, err := LoadAgentsFile(cfg.Agent.AgentsFile)
		if err != nil {
			return nil, err
		}
		cfg.Agents = list
	} else {
		cfg.Agents = []agents.Config{DefaultAgent()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAgent is the local Ollama agent registered when no agents file
// is configured. It serves both capabilities.
func DefaultAgent() agents.Config {
	return agents.Config{
		ID:       "default",
		Kind:     "ollama",
		Endpoint: envStr("OLLAMA_URL", "http://localhost:11434"),
		Model:    envStr("OLLAMA_MODEL", "llama2"),
		Capabilities: []models.Capability{
			models.CapabilityTranslate,
			models.CapabilitySummarize,
		},
	}
}

// LoadAgentsFile parses a YAML agent list. API keys may reference
// environment variables as ${NAME}.
func LoadAgentsFile(path string) ([]agents.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	for i := range f.Agents {
		f.Agents[i].APIKey = os.ExpandEnv(f.Agents[i].APIKey)
		f.Agents[i].Endpoint = os.ExpandEnv(f.Agents[i].Endpoint)
	}
	return f.Agents, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
		}
		if c.RateLimit.QueryLimit <= 0 || c.RateLimit.SubscriptionLimit <= 0 {
			errs = append(errs, errors.New("rate limits must be positive"))
		}
		if c.RateLimit.QueryBurst < 0 || c.RateLimit.SubscriptionBurst < 0 {
			errs = append(errs, errors.New("rate limit bursts must not be negative"))
		}
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Hub.QueueCapacity <= 0 {
		errs = append(errs, errors.New("HUB_QUEUE_CAPACITY must be positive"))
	}
	if c.Hub.OverflowPolicy != "drop-oldest" && c.Hub.OverflowPolicy != "disconnect" {
		errs = append(errs, fmt.Errorf("HUB_OVERFLOW_POLICY %q must be drop-oldest or disconnect", c.Hub.OverflowPolicy))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.Breaker.DegradeAfter < 1 || c.Breaker.DegradeAfter > c.Breaker.FailureThreshold {
		errs = append(errs, errors.New("BREAKER_DEGRADE_AFTER must be between 1 and BREAKER_FAILURE_THRESHOLD"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("BREAKER_COOLDOWN must be positive"))
	}
	if c.Agent.CallTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_CALL_TIMEOUT must be positive"))
	}
	if c.Agent.MaxRetries < 0 || c.Agent.MaxFallbacks < 0 {
		errs = append(errs, errors.New("AGENT_MAX_RETRIES and AGENT_MAX_FALLBACKS must not be negative"))
	}

	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("no agents configured"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, errors.New("agent without id"))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("duplicate agent id %s", a.ID))
		case len(a.Capabilities) == 0:
			errs = append(errs, fmt.Errorf("agent %s has no capabilities", a.ID))
		}
		seen[a.ID] = true
		if !knownKind(a.Kind) {
			errs = append(errs, fmt.Errorf("agent %s: unknown kind %q", a.ID, a.Kind))
		}
		for _, cp := range a.Capabilities {
			if cp != models.CapabilityTranslate && cp != models.CapabilitySummarize {
				errs = append(errs, fmt.Errorf("agent %s: unknown capability %q", a.ID, cp))
			}
		}
	}

	return errors.Join(errs...)
}

func knownKind(kind string) bool {
	for _, k := range agents.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// parseAPIKeys reads "key=principal" pairs separated by commas. A bare key
// authenticates as itself.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, principal, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || strings.TrimSpace(principal) == "" {
			principal = key
		}
		keys[key] = strings.TrimSpace(principal)
	}
	return keys
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
