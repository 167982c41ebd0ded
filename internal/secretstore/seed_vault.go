package secretstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

const (
	vaultAuthToken      = "token"
	vaultAuthAppRole    = "approle"
	vaultAuthKubernetes = "kubernetes"

	defaultKubernetesTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"
)

type vaultAuthConfig struct {
	method              string
	mount               string
	token               string
	roleID              string
	secretID            string
	kubernetesRole      string
	kubernetesToken     string
	kubernetesTokenPath string
}

type vaultSeedProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
	key       string
	auth      vaultAuthConfig
	authOnce  sync.Once
	authErr   error
}

func newVaultSeedProvider(cfg SeedProviderConfig) (*vaultSeedProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	authCfg, err := buildVaultAuthConfig(cfg)
	if err != nil {
		return nil, err
	}

	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if authCfg.method == vaultAuthToken {
		client.SetToken(authCfg.token)
	}

	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}
	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	return &vaultSeedProvider{
		client:    client,
		mount:     mount,
		kvVersion: kvVersion,
		key:       strings.TrimSpace(cfg.Key),
		auth:      authCfg,
	}, nil
}

func (p *vaultSeedProvider) Resolve(ctx context.Context, seedPath string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("vault provider is not initialized")
	}
	path, key := splitSeedPath(seedPath)
	if path == "" {
		return "", fmt.Errorf("vault seed path is required")
	}
	if err := p.ensureAuth(ctx); err != nil {
		return "", err
	}
	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	if key == "" {
		key = p.key
	}
	return selectSeedValue(data, key, "value")
}

func (p *vaultSeedProvider) read(ctx context.Context, path string) (map[string]interface{}, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, fmt.Errorf("vault seed path is required")
	}
	switch p.kvVersion {
	case 1:
		secret, err := p.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", p.mount, path))
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault seed not found")
		}
		return secret.Data, nil
	case 2:
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault seed not found")
		}
		return secret.Data, nil
	default:
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
}

func (p *vaultSeedProvider) ensureAuth(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("vault provider is not initialized")
	}
	if p.auth.method == vaultAuthToken {
		return nil
	}
	p.authOnce.Do(func() {
		p.authErr = p.login(ctx)
	})
	return p.authErr
}

func (p *vaultSeedProvider) login(ctx context.Context) error {
	switch p.auth.method {
	case vaultAuthAppRole:
		return p.loginWithData(ctx, map[string]interface{}{
			"role_id":   p.auth.roleID,
			"secret_id": p.auth.secretID,
		})
	case vaultAuthKubernetes:
		token := strings.TrimSpace(p.auth.kubernetesToken)
		if token == "" {
			path := p.auth.kubernetesTokenPath
			if strings.TrimSpace(path) == "" {
				path = defaultKubernetesTokenPath
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read kubernetes token: %w", err)
			}
			token = strings.TrimSpace(string(raw))
		}
		if token == "" {
			return fmt.Errorf("kubernetes token is empty")
		}
		return p.loginWithData(ctx, map[string]interface{}{
			"role": p.auth.kubernetesRole,
			"jwt":  token,
		})
	default:
		return nil
	}
}

func (p *vaultSeedProvider) loginWithData(ctx context.Context, data map[string]interface{}) error {
	path := fmt.Sprintf("auth/%s/login", strings.Trim(p.auth.mount, "/"))
	secret, err := p.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil || strings.TrimSpace(secret.Auth.ClientToken) == "" {
		return fmt.Errorf("vault auth %s did not return a client token", p.auth.method)
	}
	p.client.SetToken(secret.Auth.ClientToken)
	return nil
}

func buildVaultAuthConfig(cfg SeedProviderConfig) (vaultAuthConfig, error) {
	method, err := normalizeVaultAuthMethod(cfg.AuthMethod)
	if err != nil {
		return vaultAuthConfig{}, err
	}
	token := strings.TrimSpace(cfg.Token)
	roleID := strings.TrimSpace(cfg.RoleID)
	secretID := strings.TrimSpace(cfg.SecretID)
	kubernetesRole := strings.TrimSpace(cfg.KubernetesRole)
	kubernetesToken := strings.TrimSpace(cfg.KubernetesToken)
	kubernetesTokenPath := strings.TrimSpace(cfg.KubernetesTokenPath)

	if method == "" {
		switch {
		case token != "":
			method = vaultAuthToken
		case roleID != "" || secretID != "":
			method = vaultAuthAppRole
		case kubernetesRole != "":
			method = vaultAuthKubernetes
		default:
			method = vaultAuthToken
		}
	}
	authMount := strings.Trim(strings.TrimSpace(cfg.AuthMount), "/")
	if authMount == "" {
		authMount = defaultVaultAuthMount(method)
	}
	out := vaultAuthConfig{
		method:              method,
		mount:               authMount,
		token:               token,
		roleID:              roleID,
		secretID:            secretID,
		kubernetesRole:      kubernetesRole,
		kubernetesToken:     kubernetesToken,
		kubernetesTokenPath: kubernetesTokenPath,
	}
	switch method {
	case vaultAuthToken:
		if out.token == "" {
			return vaultAuthConfig{}, fmt.Errorf("vault token is required")
		}
	case vaultAuthAppRole:
		if out.roleID == "" || out.secretID == "" {
			return vaultAuthConfig{}, fmt.Errorf("vault approle auth requires roleId and secretId")
		}
	case vaultAuthKubernetes:
		if out.kubernetesRole == "" {
			return vaultAuthConfig{}, fmt.Errorf("vault kubernetes auth requires kubernetesRole")
		}
		if out.kubernetesToken == "" && out.kubernetesTokenPath == "" {
			out.kubernetesTokenPath = defaultKubernetesTokenPath
		}
	default:
		return vaultAuthConfig{}, fmt.Errorf("vault auth method %q is not supported", cfg.AuthMethod)
	}
	return out, nil
}

func normalizeVaultAuthMethod(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return "", nil
	case "token":
		return vaultAuthToken, nil
	case "approle", "app-role", "app_role":
		return vaultAuthAppRole, nil
	case "kubernetes", "k8s":
		return vaultAuthKubernetes, nil
	default:
		return "", fmt.Errorf("unsupported vault auth method %q", raw)
	}
}

func defaultVaultAuthMount(method string) string {
	switch method {
	case vaultAuthAppRole:
		return "approle"
	case vaultAuthKubernetes:
		return "kubernetes"
	default:
		return ""
	}
}

func splitSeedPath(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	parts := strings.SplitN(raw, "#", 2)
	path := strings.Trim(strings.TrimSpace(parts[0]), "/")
	key := ""
	if len(parts) > 1 {
		key = strings.TrimSpace(parts[1])
	}
	return path, key
}

func selectSeedValue(data map[string]interface{}, key string, fallback string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("seed data is empty")
	}
	candidates := []string{}
	if key != "" {
		candidates = append(candidates, key)
	}
	if fallback != "" {
		candidates = append(candidates, fallback)
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if val, ok := data[candidate]; ok {
			return coerceSeedValue(val)
		}
	}
	if len(data) == 1 {
		for _, val := range data {
			return coerceSeedValue(val)
		}
	}
	if key == "" {
		return "", fmt.Errorf("seed value is ambiguous; specify a key")
	}
	return "", fmt.Errorf("seed key %q not found", key)
}

func coerceSeedValue(val interface{}) (string, error) {
	switch typed := val.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("seed value must be a string")
	}
}
