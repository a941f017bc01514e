package providers

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RegistryConfig carries the upstream settings the registry needs to build
// clients on first use.
type RegistryConfig struct {
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAITimeout     time.Duration
	OpenAIRetries     int
	OpenAIHTTPReferer string
	OpenAITitle       string

	Transport http.RoundTripper
}

// Registry hands out one client instance per provider name for the lifetime
// of the process. Construction failures are not cached so a later config fix
// (new process) is not required for transient mistakes in tests.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry creates an empty provider registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{cfg: cfg, clients: make(map[string]Client)}
}

// Get returns the client for name, building and caching it on first use.
// Unknown names return ErrUnknownProvider.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c, nil
	}

	var (
		c   Client
		err error
	)
	switch name {
	case "mock":
		c = NewMock()
	case "openai":
		c, err = NewOpenAICompat(OpenAICompatConfig{
			Name:        "openai",
			BaseURL:     r.cfg.OpenAIBaseURL,
			APIKey:      r.cfg.OpenAIAPIKey,
			Timeout:     r.cfg.OpenAITimeout,
			Retries:     r.cfg.OpenAIRetries,
			HTTPReferer: r.cfg.OpenAIHTTPReferer,
			Title:       r.cfg.OpenAITitle,
			Transport:   r.cfg.Transport,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err != nil {
		return nil, err
	}

	r.clients[name] = c
	return c, nil
}

// BaseURLFor reports the configured base URL for a provider name, used for
// cache-key derivation. Empty for providers without one.
func (r *Registry) BaseURLFor(name string) string {
	if name == "openai" {
		return r.cfg.OpenAIBaseURL
	}
	return ""
}
