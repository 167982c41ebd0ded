package stack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kubekattle/kred/pkg/api"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifestFillsDefaults(t *testing.T) {
	path := writeManifest(t, `
stack: shop
components:
  - name: postgres
    image: postgres:16
    port: 5432
    dataTier: true
    secret:
      kind: db-credentials
      keys: [username, password]
      rotationPolicyDays: 30
`)
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if manifest.Namespace != "default" {
		t.Fatalf("namespace = %q, want default", manifest.Namespace)
	}
	comp := manifest.Components[0]
	if comp.Replicas != 1 {
		t.Fatalf("replicas = %d, want defaulted 1", comp.Replicas)
	}
	if comp.Service != "ClusterIP" {
		t.Fatalf("service = %q, want defaulted ClusterIP", comp.Service)
	}
	if comp.Secret.Name != "postgres-credentials" {
		t.Fatalf("secret name = %q", comp.Secret.Name)
	}
	if comp.Secret.SecurityLevel != api.SecurityLevelMedium {
		t.Fatalf("securityLevel = %q, want defaulted medium", comp.Secret.SecurityLevel)
	}
}

func TestLoadManifestRejectsUnknownFields(t *testing.T) {
	path := writeManifest(t, `
stack: shop
components:
  - name: api
    image: shop/api:1
    replicaCount: 3
`)
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateRejectsBrokenManifests(t *testing.T) {
	base := func() *api.Manifest {
		return &api.Manifest{
			Stack:     "shop",
			Namespace: "prod",
			Components: []api.Component{{
				Name:     "api",
				Image:    "shop/api:1",
				Replicas: 1,
			}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*api.Manifest)
		want   string
	}{
		{"missing stack name", func(m *api.Manifest) { m.Stack = "" }, "stack name is required"},
		{"uppercase component", func(m *api.Manifest) { m.Components[0].Name = "API" }, "component"},
		{"missing image", func(m *api.Manifest) { m.Components[0].Image = " " }, "image is required"},
		{"service without port", func(m *api.Manifest) { m.Components[0].Service = "ClusterIP" }, "needs a containerPort"},
		{
			"unknown service type",
			func(m *api.Manifest) { m.Components[0].Service = "Ingress"; m.Components[0].Port = 80 },
			"must be ClusterIP, NodePort, or LoadBalancer",
		},
		{
			"duplicate component",
			func(m *api.Manifest) { m.Components = append(m.Components, m.Components[0]) },
			"duplicate component name",
		},
		{
			"secret without kind",
			func(m *api.Manifest) {
				m.Components[0].Secret = &api.SecretSpec{Name: "s", SecurityLevel: api.SecurityLevelLow, Keys: []string{"k"}}
			},
			"secret kind is required",
		},
		{
			"secret without keys",
			func(m *api.Manifest) {
				m.Components[0].Secret = &api.SecretSpec{Name: "s", Kind: "token", SecurityLevel: api.SecurityLevelLow}
			},
			"declares no keys",
		},
		{
			"key generated and seeded",
			func(m *api.Manifest) {
				m.Components[0].Secret = &api.SecretSpec{
					Name: "s", Kind: "token", SecurityLevel: api.SecurityLevelLow,
					Keys:  []string{"password"},
					Seeds: map[string]string{"password": "literal"},
				}
			},
			"both generated and seeded",
		},
		{
			"negative policy",
			func(m *api.Manifest) {
				m.Components[0].Secret = &api.SecretSpec{
					Name: "s", Kind: "token", SecurityLevel: api.SecurityLevelLow,
					Keys: []string{"k"}, RotationPolicyDays: -1,
				}
			},
			"cannot be negative",
		},
		{
			"secret claimed twice",
			func(m *api.Manifest) {
				secret := &api.SecretSpec{Name: "shared", Kind: "token", SecurityLevel: api.SecurityLevelLow, Keys: []string{"k"}}
				m.Components[0].Secret = secret
				other := m.Components[0]
				other.Name = "worker"
				otherSecret := *secret
				other.Secret = &otherSecret
				m.Components = append(m.Components, other)
			},
			"both declare secret",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := base()
			tc.mutate(manifest)
			err := Validate(manifest)
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestSecretNamesSorted(t *testing.T) {
	manifest := &api.Manifest{
		Components: []api.Component{
			{Name: "zeta", Secret: &api.SecretSpec{Name: "zeta-credentials"}},
			{Name: "mid"},
			{Name: "alpha", Secret: &api.SecretSpec{Name: "alpha-credentials"}},
		},
	}
	names := SecretNames(manifest)
	if len(names) != 2 || names[0] != "alpha-credentials" || names[1] != "zeta-credentials" {
		t.Fatalf("names = %v", names)
	}
}
