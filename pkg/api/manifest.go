package api

// Manifest describes a secure stack: the workloads to run, the services that
// expose them, and the managed secrets wired into each component.
type Manifest struct {
	Stack      string      `json:"stack"`
	Namespace  string      `json:"namespace,omitempty"`
	Components []Component `json:"components"`
}

// Component is one workload in a stack.
type Component struct {
	Name     string      `json:"name"`
	Image    string      `json:"image"`
	Replicas int32       `json:"replicas,omitempty"`
	Port     int32       `json:"port,omitempty"`
	Service  string      `json:"service,omitempty"`
	DataTier bool        `json:"dataTier,omitempty"`
	Secret   *SecretSpec `json:"secret,omitempty"`
	Env      []EnvVar    `json:"env,omitempty"`
}

// SecretSpec declares the managed secret a component needs. Keys listed in
// Seeds are resolved through a seed provider at deploy time; the rest are
// generated.
type SecretSpec struct {
	Name               string            `json:"name,omitempty"`
	Kind               string            `json:"kind"`
	Keys               []string          `json:"keys"`
	RotationPolicyDays int               `json:"rotationPolicyDays"`
	SecurityLevel      SecurityLevel     `json:"securityLevel"`
	Seeds              map[string]string `json:"seeds,omitempty"`
}

// EnvVar is a literal, non-secret environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
