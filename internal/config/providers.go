package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultEndpointTTL = 5 * time.Minute

// Catalog maps capabilities onto upstream provider endpoints
type Catalog struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one upstream data provider
type ProviderConfig struct {
	BaseURL   string                    `yaml:"base_url"`
	Headers   map[string]string         `yaml:"headers"`
	Breaker   BreakerConfig             `yaml:"breaker"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
}

type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures"`
	OpenTimeout string `yaml:"open_timeout"`
}

type EndpointConfig struct {
	Path string `yaml:"path"`
	TTL  string `yaml:"ttl"`
}

// Endpoint is a resolved catalog entry
type Endpoint struct {
	Capability string
	Provider   string
	Resource   string
	Path       string
	TTL        time.Duration
}

// LoadProviders reads the provider catalog, expanding ${VAR} references
func LoadProviders(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read providers file: %w", err)
	}
	return ParseProviders([]byte(os.ExpandEnv(string(data))))
}

// ParseProviders decodes and validates a provider catalog
func ParseProviders(data []byte) (*Catalog, error) {
	catalog := &Catalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("invalid providers file: %w", err)
	}

	for name, p := range catalog.Providers {
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", name)
		}
		if p.Breaker.OpenTimeout != "" {
			if _, err := time.ParseDuration(p.Breaker.OpenTimeout); err != nil {
				return nil, fmt.Errorf("provider %s: invalid open_timeout: %w", name, err)
			}
		}
		for resource, e := range p.Endpoints {
			if e.Path == "" {
				return nil, fmt.Errorf("endpoint %s.%s: path is required", name, resource)
			}
			if e.TTL != "" {
				if _, err := time.ParseDuration(e.TTL); err != nil {
					return nil, fmt.Errorf("endpoint %s.%s: invalid ttl: %w", name, resource, err)
				}
			}
		}
	}

	return catalog, nil
}

// Lookup resolves provider and resource into an endpoint
func (c *Catalog) Lookup(provider, resource string) (Endpoint, bool) {
	provider = strings.ToLower(provider)
	resource = strings.ToLower(resource)

	p, ok := c.Providers[provider]
	if !ok {
		return Endpoint{}, false
	}
	e, ok := p.Endpoints[resource]
	if !ok {
		return Endpoint{}, false
	}

	ttl := defaultEndpointTTL
	if e.TTL != "" {
		ttl, _ = time.ParseDuration(e.TTL)
	}

	return Endpoint{
		Capability: provider + "." + resource,
		Provider:   provider,
		Resource:   resource,
		Path:       e.Path,
		TTL:        ttl,
	}, true
}

// Timeout returns how long the provider's breaker stays open
func (b BreakerConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(b.OpenTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (b BreakerConfig) Failures() uint32 {
	if b.MaxFailures == 0 {
		return 5
	}
	return b.MaxFailures
}
