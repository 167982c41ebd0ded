// Package compliance scans a namespace read-only and grades secret age,
// workload hardening, and service exposure into a single report.
package compliance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy tunes how findings are graded. The zero value is not valid; use
// DefaultPolicy or LoadPolicy.
type Policy struct {
	// WarnFraction is how close to the rotation deadline a secret may get
	// before it is flagged, as a fraction of the policy window. 0.20 warns
	// once 80% of the window has elapsed.
	WarnFraction float64 `yaml:"warnFraction"`
	// MinHardeningScore is the score at or below which a workload drags the
	// overall grade to WARNING.
	MinHardeningScore int `yaml:"minHardeningScore"`
}

func DefaultPolicy() Policy {
	return Policy{WarnFraction: 0.20, MinHardeningScore: 2}
}

// LoadPolicy reads a policy file, filling unset fields from the defaults.
// An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if policy.WarnFraction < 0 || policy.WarnFraction >= 1 {
		return Policy{}, fmt.Errorf("policy %q: warnFraction must be in [0, 1), got %v", path, policy.WarnFraction)
	}
	if policy.MinHardeningScore < 0 || policy.MinHardeningScore > 5 {
		return Policy{}, fmt.Errorf("policy %q: minHardeningScore must be in [0, 5], got %d", path, policy.MinHardeningScore)
	}
	return policy, nil
}
