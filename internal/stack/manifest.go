// Package stack provisions hardened application stacks: workloads, their
// services, and the managed secrets wired into them, from a single YAML
// manifest.
package stack

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"

	"github.com/kubekattle/kred/pkg/api"
)

var serviceTypes = map[string]string{
	"clusterip":    "ClusterIP",
	"nodeport":     "NodePort",
	"loadbalancer": "LoadBalancer",
}

var securityLevels = map[api.SecurityLevel]struct{}{
	api.SecurityLevelLow:    {},
	api.SecurityLevelMedium: {},
	api.SecurityLevelHigh:   {},
}

// LoadManifest reads and validates a stack manifest, filling defaults.
func LoadManifest(path string) (*api.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	manifest := &api.Manifest{}
	if err := yaml.UnmarshalStrict(raw, manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %q: %w", path, err)
	}
	ApplyDefaults(manifest)
	if err := Validate(manifest); err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	return manifest, nil
}

// ApplyDefaults fills the fields the manifest may omit.
func ApplyDefaults(manifest *api.Manifest) {
	if strings.TrimSpace(manifest.Namespace) == "" {
		manifest.Namespace = "default"
	}
	for i := range manifest.Components {
		comp := &manifest.Components[i]
		if comp.Replicas <= 0 {
			comp.Replicas = 1
		}
		if comp.Service != "" {
			if canonical, ok := serviceTypes[strings.ToLower(strings.TrimSpace(comp.Service))]; ok {
				comp.Service = canonical
			}
		}
		if comp.Service == "" && comp.Port > 0 {
			comp.Service = "ClusterIP"
		}
		if comp.Secret != nil {
			if strings.TrimSpace(comp.Secret.Name) == "" {
				comp.Secret.Name = comp.Name + "-credentials"
			}
			if comp.Secret.SecurityLevel == "" {
				comp.Secret.SecurityLevel = api.SecurityLevelMedium
			}
		}
	}
}

// Validate rejects manifests the provisioner cannot apply safely. Call
// ApplyDefaults first; LoadManifest does both.
func Validate(manifest *api.Manifest) error {
	if strings.TrimSpace(manifest.Stack) == "" {
		return fmt.Errorf("stack name is required")
	}
	if errs := validation.IsDNS1123Label(manifest.Stack); len(errs) > 0 {
		return fmt.Errorf("stack name %q: %s", manifest.Stack, errs[0])
	}
	if errs := validation.IsDNS1123Label(manifest.Namespace); len(errs) > 0 {
		return fmt.Errorf("namespace %q: %s", manifest.Namespace, errs[0])
	}
	if len(manifest.Components) == 0 {
		return fmt.Errorf("stack %s has no components", manifest.Stack)
	}

	seenComponents := map[string]struct{}{}
	seenSecrets := map[string]string{}
	for _, comp := range manifest.Components {
		if strings.TrimSpace(comp.Name) == "" {
			return fmt.Errorf("every component needs a name")
		}
		if errs := validation.IsDNS1123Label(comp.Name); len(errs) > 0 {
			return fmt.Errorf("component %q: %s", comp.Name, errs[0])
		}
		if _, dup := seenComponents[comp.Name]; dup {
			return fmt.Errorf("duplicate component name %q", comp.Name)
		}
		seenComponents[comp.Name] = struct{}{}

		if strings.TrimSpace(comp.Image) == "" {
			return fmt.Errorf("component %s: image is required", comp.Name)
		}
		if comp.Port < 0 || comp.Port > 65535 {
			return fmt.Errorf("component %s: port %d out of range", comp.Name, comp.Port)
		}
		if comp.Service != "" {
			if _, ok := serviceTypes[strings.ToLower(comp.Service)]; !ok {
				return fmt.Errorf("component %s: service %q must be ClusterIP, NodePort, or LoadBalancer", comp.Name, comp.Service)
			}
			if comp.Port == 0 {
				return fmt.Errorf("component %s: a service needs a containerPort", comp.Name)
			}
		}
		for _, env := range comp.Env {
			if strings.TrimSpace(env.Name) == "" {
				return fmt.Errorf("component %s: env entries need a name", comp.Name)
			}
		}
		if comp.Secret != nil {
			if err := validateSecretSpec(comp.Name, comp.Secret); err != nil {
				return err
			}
			if owner, dup := seenSecrets[comp.Secret.Name]; dup {
				return fmt.Errorf("components %s and %s both declare secret %q", owner, comp.Name, comp.Secret.Name)
			}
			seenSecrets[comp.Secret.Name] = comp.Name
		}
	}
	return nil
}

func validateSecretSpec(component string, spec *api.SecretSpec) error {
	if errs := validation.IsDNS1123Subdomain(spec.Name); len(errs) > 0 {
		return fmt.Errorf("component %s: secret name %q: %s", component, spec.Name, errs[0])
	}
	if strings.TrimSpace(spec.Kind) == "" {
		return fmt.Errorf("component %s: secret kind is required", component)
	}
	if _, ok := securityLevels[spec.SecurityLevel]; !ok {
		return fmt.Errorf("component %s: securityLevel %q must be low, medium, or high", component, spec.SecurityLevel)
	}
	if spec.RotationPolicyDays < 0 {
		return fmt.Errorf("component %s: rotationPolicyDays cannot be negative", component)
	}
	if len(spec.Keys)+len(spec.Seeds) == 0 {
		return fmt.Errorf("component %s: secret %s declares no keys", component, spec.Name)
	}
	seeded := map[string]struct{}{}
	for key := range spec.Seeds {
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return fmt.Errorf("component %s: secret key %q: %s", component, key, errs[0])
		}
		seeded[key] = struct{}{}
	}
	for _, key := range spec.Keys {
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return fmt.Errorf("component %s: secret key %q: %s", component, key, errs[0])
		}
		if _, dup := seeded[key]; dup {
			return fmt.Errorf("component %s: secret key %q is both generated and seeded", component, key)
		}
	}
	return nil
}

// SecretNames lists the managed secrets a manifest declares, sorted.
func SecretNames(manifest *api.Manifest) []string {
	var names []string
	for _, comp := range manifest.Components {
		if comp.Secret != nil {
			names = append(names, comp.Secret.Name)
		}
	}
	sort.Strings(names)
	return names
}
