package secretstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseSeedRef(t *testing.T) {
	cases := []struct {
		name            string
		value           string
		defaultProvider string
		wantProvider    string
		wantPath        string
		wantRef         bool
		wantErr         bool
	}{
		{name: "not a reference", value: "plain-value", wantRef: false},
		{name: "provider and path", value: "seed://vault/apps/db#password", wantProvider: "vault", wantPath: "apps/db#password", wantRef: true},
		{name: "default provider", value: "seed:///apps/db", defaultProvider: "local", wantProvider: "local", wantPath: "apps/db", wantRef: true},
		{name: "bare path uses default", value: "seed://db-password", defaultProvider: "local", wantProvider: "local", wantPath: "db-password", wantRef: true},
		{name: "missing default", value: "seed:///apps/db", wantRef: true, wantErr: true},
		{name: "empty reference", value: "seed://", wantRef: true, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, ok, err := ParseSeedRef(tc.value, tc.defaultProvider)
			if ok != tc.wantRef {
				t.Fatalf("ok = %v, want %v", ok, tc.wantRef)
			}
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ok {
				return
			}
			if ref.Provider != tc.wantProvider || ref.Path != tc.wantPath {
				t.Fatalf("got %s/%s, want %s/%s", ref.Provider, ref.Path, tc.wantProvider, tc.wantPath)
			}
		})
	}
}

func TestFileSeedProviderWalksNestedKeys(t *testing.T) {
	dir := t.TempDir()
	seedFile := filepath.Join(dir, "seeds.yaml")
	content := "apps:\n  db:\n    username: app\n    password: from-file\n"
	if err := os.WriteFile(seedFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write seeds file: %v", err)
	}

	provider, err := newFileSeedProvider("seeds.yaml", dir)
	if err != nil {
		t.Fatalf("new file provider: %v", err)
	}
	val, err := provider.Resolve(context.Background(), "apps/db/password")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if val != "from-file" {
		t.Fatalf("expected from-file, got %q", val)
	}
	if _, err := provider.Resolve(context.Background(), "apps/db/missing"); err == nil {
		t.Fatalf("expected missing path error")
	}
	if _, err := provider.Resolve(context.Background(), "apps/db"); err == nil {
		t.Fatalf("expected non-string value error for map node")
	}
}

func TestSeederResolvesAndCaches(t *testing.T) {
	dir := t.TempDir()
	seedFile := filepath.Join(dir, "seeds.yaml")
	if err := os.WriteFile(seedFile, []byte("db-password: s3cret\n"), 0o600); err != nil {
		t.Fatalf("write seeds file: %v", err)
	}
	seeder, err := NewSeeder(SeedConfig{
		DefaultProvider: "local",
		Providers:       map[string]SeedProviderConfig{"local": {Type: "file", Path: "seeds.yaml"}},
	}, dir)
	if err != nil {
		t.Fatalf("new seeder: %v", err)
	}

	val, wasRef, err := seeder.Resolve(context.Background(), "seed://db-password")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !wasRef || val != "s3cret" {
		t.Fatalf("expected resolved reference, got %q (ref=%v)", val, wasRef)
	}

	plain, wasRef, err := seeder.Resolve(context.Background(), "just-a-value")
	if err != nil || wasRef || plain != "just-a-value" {
		t.Fatalf("plain values must pass through, got %q (ref=%v, err=%v)", plain, wasRef, err)
	}

	if _, _, err := seeder.Resolve(context.Background(), "seed://nowhere/path"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestSeederRejectsUnknownProviderType(t *testing.T) {
	_, err := NewSeeder(SeedConfig{
		Providers: map[string]SeedProviderConfig{"weird": {Type: "carrier-pigeon"}},
	}, "")
	if err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestSplitSeedPathAndValueSelection(t *testing.T) {
	path, key := splitSeedPath("apps/db#password")
	if path != "apps/db" || key != "password" {
		t.Fatalf("got %q/%q", path, key)
	}
	path, key = splitSeedPath("/apps/db/")
	if path != "apps/db" || key != "" {
		t.Fatalf("got %q/%q", path, key)
	}

	data := map[string]interface{}{"password": "pw", "username": "app"}
	val, err := selectSeedValue(data, "password", "value")
	if err != nil || val != "pw" {
		t.Fatalf("expected pw, got %q (%v)", val, err)
	}
	if _, err := selectSeedValue(data, "", ""); err == nil {
		t.Fatalf("ambiguous selection must error")
	}
	single := map[string]interface{}{"only": "one"}
	val, err = selectSeedValue(single, "", "")
	if err != nil || val != "one" {
		t.Fatalf("single-key fallback failed: %q (%v)", val, err)
	}
}
