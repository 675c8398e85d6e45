package registry

import (
	"crypto/tls"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/cell/internal/image"
	"github.com/distribution/reference"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (

	// Name of the built-in Docker Hub entry.
	DefaultRegistry = "docker"

	// Registry kind speaking the Docker Registry HTTP API v2.
	KindDistribution = "distribution"

	// Domain reference normalization assigns to unqualified names.
	dockerDomain = "docker.io"
)

// Connection settings for one registry.
type Endpoint struct {
	Kind     string `yaml:"kind"`     // Protocol; only "distribution" is supported.
	URL      string `yaml:"url"`      // API root, e.g. https://registry-1.docker.io/v2/.
	Auth     string `yaml:"auth"`     // Token endpoint; discovered from the registry when empty.
	Service  string `yaml:"service"`  // Service parameter for the token endpoint.
	Insecure bool   `yaml:"insecure"` // Skip TLS certificate verification.
}

// Named registries available to pull from.
type Config struct {
	Registries map[string]Endpoint `yaml:"registries"`
}

// Returns the configuration holding only Docker Hub.
func DefaultConfig() *Config {
	return &Config{
		Registries: map[string]Endpoint{
			DefaultRegistry: {
				Kind:    KindDistribution,
				URL:     "https://registry-1.docker.io/v2/",
				Auth:    "https://auth.docker.io/token",
				Service: "registry.docker.io",
			},
		},
	}
}

// Loads a registries file and merges it over [DefaultConfig].
//
// An empty path yields the default configuration. Entries in the file replace
// built-in entries of the same name.
//
//	registries:
//	  local:
//	    url: http://localhost:5000/v2/
//	  docker:
//	    url: https://mirror.example.com/v2/
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "read %s: %v", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(ErrConfig, "parse %s: %v", path, err)
	}

	for name, ep := range file.Registries {
		if ep.Kind == "" {
			ep.Kind = KindDistribution
		}
		if ep.Kind != KindDistribution {
			return nil, errors.Wrapf(ErrConfig, "registry %s: unsupported kind %q", name, ep.Kind)
		}
		if ep.URL == "" {
			return nil, errors.Wrapf(ErrConfig, "registry %s: url is required", name)
		}
		cfg.Registries[name] = ep
	}

	slog.Debug("registries loaded", "path", path, "registries", slices.Sorted(maps.Keys(cfg.Registries)))
	return cfg, nil
}

// Returns a client for the named registry.
//
// An empty name selects a registry from the image's domain: Docker Hub
// images use the "docker" entry, and other domains use the entry whose URL
// has the same host, or an unconfigured HTTPS registry at that domain.
func (c *Config) Open(name, imageName string) (Registry, error) {
	if name != "" {
		ep, ok := c.Registries[name]
		if !ok {
			return nil, errors.Wrapf(errdefs.ErrNotFound, "registry %q is not configured", name)
		}
		return NewDistribution(name, ep, newClient(ep.Insecure))
	}

	name, ep, err := c.registryFor(imageName)
	if err != nil {
		return nil, err
	}
	return NewDistribution(name, ep, newClient(ep.Insecure))
}

func (c *Config) registryFor(imageName string) (string, Endpoint, error) {
	if imageName == "" {
		return "", Endpoint{}, ErrImageNameMissing
	}
	named, err := image.ParseName(imageName)
	if err != nil {
		return "", Endpoint{}, err
	}

	domain := reference.Domain(named)
	if domain == dockerDomain {
		if ep, ok := c.Registries[DefaultRegistry]; ok {
			return DefaultRegistry, ep, nil
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Registries)) {
		ep := c.Registries[name]
		if hostOf(ep.URL) == domain {
			return name, ep, nil
		}
	}
	return domain, Endpoint{Kind: KindDistribution, URL: "https://" + domain + "/v2/"}, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func newClient(insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsconfig.ClientDefault(func(cfg *tls.Config) {
		cfg.InsecureSkipVerify = insecure
	})
	return &http.Client{Transport: transport}
}
