package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

type fileSeedProvider struct {
	path string
	data map[string]interface{}
}

func newFileSeedProvider(path string, baseDir string) (*fileSeedProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file provider path is required")
	}
	if baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds file %q: %w", path, err)
	}
	data := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse seeds file %q: %w", path, err)
	}
	return &fileSeedProvider{path: path, data: data}, nil
}

func (p *fileSeedProvider) Resolve(ctx context.Context, seedPath string) (string, error) {
	_ = ctx
	seedPath = strings.TrimSpace(seedPath)
	if seedPath == "" {
		return "", fmt.Errorf("seed path is required")
	}
	parts := strings.Split(strings.TrimPrefix(seedPath, "/"), "/")
	var current interface{} = p.data
	for _, part := range parts {
		if part == "" {
			continue
		}
		switch typed := current.(type) {
		case map[string]interface{}:
			val, ok := typed[part]
			if !ok {
				return "", fmt.Errorf("seed path %q not found in %s", seedPath, p.path)
			}
			current = val
		case map[interface{}]interface{}:
			val, ok := typed[part]
			if !ok {
				return "", fmt.Errorf("seed path %q not found in %s", seedPath, p.path)
			}
			current = val
		default:
			return "", fmt.Errorf("seed path %q does not resolve to a value in %s", seedPath, p.path)
		}
	}
	if current == nil {
		return "", fmt.Errorf("seed path %q resolves to empty value in %s", seedPath, p.path)
	}
	switch typed := current.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("seed path %q resolved to non-string value in %s", seedPath, p.path)
	}
}
