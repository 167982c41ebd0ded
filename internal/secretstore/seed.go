package secretstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// SeedRef captures a parsed seed reference from a stack manifest.
type SeedRef struct {
	Provider string
	Path     string
	Raw      string
}

// Reference returns the canonical seed reference string.
func (r SeedRef) Reference() string {
	return "seed://" + r.Provider + "/" + r.Path
}

// ParseSeedRef detects and parses seed:// references. Returns ok=false when
// value is not a reference at all.
func ParseSeedRef(value string, defaultProvider string) (SeedRef, bool, error) {
	const prefix = "seed://"
	if !strings.HasPrefix(value, prefix) {
		return SeedRef{}, false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	if rest == "" {
		return SeedRef{}, true, fmt.Errorf("seed reference is missing provider/path")
	}
	if strings.HasPrefix(rest, "/") {
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return SeedRef{}, true, fmt.Errorf("seed reference is missing path")
		}
		if strings.TrimSpace(defaultProvider) == "" {
			return SeedRef{}, true, fmt.Errorf("seed reference %q requires a default provider", value)
		}
		return SeedRef{Provider: strings.TrimSpace(defaultProvider), Path: rest, Raw: value}, true, nil
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		if strings.TrimSpace(defaultProvider) == "" {
			return SeedRef{}, true, fmt.Errorf("seed reference %q is missing provider", value)
		}
		path := strings.TrimSpace(parts[0])
		if path == "" {
			return SeedRef{}, true, fmt.Errorf("seed reference %q is missing path", value)
		}
		return SeedRef{Provider: strings.TrimSpace(defaultProvider), Path: path, Raw: value}, true, nil
	}
	provider := strings.TrimSpace(parts[0])
	path := strings.TrimSpace(parts[1])
	if provider == "" {
		if strings.TrimSpace(defaultProvider) == "" {
			return SeedRef{}, true, fmt.Errorf("seed reference %q is missing provider", value)
		}
		provider = strings.TrimSpace(defaultProvider)
	}
	if path == "" {
		return SeedRef{}, true, fmt.Errorf("seed reference %q is missing path", value)
	}
	return SeedRef{Provider: provider, Path: path, Raw: value}, true, nil
}

// SeedProvider resolves seed paths to plaintext values.
type SeedProvider interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// SeedConfig describes the available seed providers.
type SeedConfig struct {
	DefaultProvider string                        `yaml:"defaultProvider,omitempty" json:"defaultProvider,omitempty"`
	Providers       map[string]SeedProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// SeedProviderConfig captures provider-specific settings.
type SeedProviderConfig struct {
	Type                string `yaml:"type,omitempty" json:"type,omitempty"`
	Path                string `yaml:"path,omitempty" json:"path,omitempty"`
	Address             string `yaml:"address,omitempty" json:"address,omitempty"`
	Token               string `yaml:"token,omitempty" json:"token,omitempty"`
	Namespace           string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Mount               string `yaml:"mount,omitempty" json:"mount,omitempty"`
	KVVersion           int    `yaml:"kvVersion,omitempty" json:"kvVersion,omitempty"`
	Key                 string `yaml:"key,omitempty" json:"key,omitempty"`
	AuthMethod          string `yaml:"authMethod,omitempty" json:"authMethod,omitempty"`
	AuthMount           string `yaml:"authMount,omitempty" json:"authMount,omitempty"`
	RoleID              string `yaml:"roleId,omitempty" json:"roleId,omitempty"`
	SecretID            string `yaml:"secretId,omitempty" json:"secretId,omitempty"`
	KubernetesRole      string `yaml:"kubernetesRole,omitempty" json:"kubernetesRole,omitempty"`
	KubernetesToken     string `yaml:"kubernetesToken,omitempty" json:"kubernetesToken,omitempty"`
	KubernetesTokenPath string `yaml:"kubernetesTokenPath,omitempty" json:"kubernetesTokenPath,omitempty"`
}

// Empty reports whether the configuration declares any providers or defaults.
func (c SeedConfig) Empty() bool {
	return c.DefaultProvider == "" && len(c.Providers) == 0
}

// LoadSeedConfig reads a seed provider configuration file. A missing path
// yields an empty config, not an error, so seeds stay optional.
func LoadSeedConfig(path string) (SeedConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return SeedConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SeedConfig{}, fmt.Errorf("read seed config %q: %w", path, err)
	}
	var cfg SeedConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SeedConfig{}, fmt.Errorf("parse seed config %q: %w", path, err)
	}
	return cfg, nil
}

// Seeder resolves seed references against configured providers, caching each
// resolved path for the lifetime of one deploy run.
type Seeder struct {
	providers       map[string]SeedProvider
	defaultProvider string
	cache           map[string]string
}

// NewSeeder builds a Seeder from config. BaseDir anchors relative file
// provider paths, typically the directory of the manifest being deployed.
func NewSeeder(cfg SeedConfig, baseDir string) (*Seeder, error) {
	providers := make(map[string]SeedProvider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		providerName := strings.TrimSpace(name)
		if providerName == "" {
			return nil, fmt.Errorf("seed provider name cannot be empty")
		}
		providerType := strings.ToLower(strings.TrimSpace(pcfg.Type))
		switch providerType {
		case "file":
			provider, err := newFileSeedProvider(pcfg.Path, baseDir)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "vault":
			provider, err := newVaultSeedProvider(pcfg)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", providerName, err)
			}
			providers[providerName] = provider
		case "":
			return nil, fmt.Errorf("provider %q missing type", providerName)
		default:
			return nil, fmt.Errorf("provider %q has unsupported type %q", providerName, providerType)
		}
	}
	return &Seeder{
		providers:       providers,
		defaultProvider: strings.TrimSpace(cfg.DefaultProvider),
		cache:           map[string]string{},
	}, nil
}

// Resolve resolves a single manifest value if it is a seed reference. The
// second return reports whether the value was a reference at all.
func (s *Seeder) Resolve(ctx context.Context, value string) (string, bool, error) {
	defaultProvider := ""
	if s != nil {
		defaultProvider = s.defaultProvider
	}
	ref, ok, err := ParseSeedRef(value, defaultProvider)
	if !ok {
		return value, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if s == nil {
		return "", false, fmt.Errorf("seed providers are not configured")
	}
	key := ref.Provider + "|" + ref.Path
	if cached, found := s.cache[key]; found {
		return cached, true, nil
	}
	provider := s.providers[ref.Provider]
	if provider == nil {
		return "", false, fmt.Errorf("seed provider %q is not configured", ref.Provider)
	}
	val, err := provider.Resolve(ctx, ref.Path)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", ref.Reference(), err)
	}
	s.cache[key] = val
	return val, true, nil
}
