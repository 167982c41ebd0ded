// Package api holds the JSON-serializable records kred produces and consumes.
// Dashboards, pipelines, and other Go programs share these types with the
// engine; none of them ever carries a secret value.
package api

import "time"

// SecurityLevel classifies how sensitive a managed secret is.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// RotationState names one phase of the rotation state machine.
type RotationState string

const (
	RotationPending             RotationState = "PENDING"
	RotationGenerating          RotationState = "GENERATING"
	RotationUpdatingSecret      RotationState = "UPDATING_SECRET"
	RotationRestartingWorkloads RotationState = "RESTARTING_WORKLOADS"
	RotationVerifying           RotationState = "VERIFYING"
	RotationCompleted           RotationState = "COMPLETED"
	RotationFailed              RotationState = "FAILED"
	RotationRolledBack          RotationState = "ROLLED_BACK"
)

// Terminal reports whether the state machine can leave this state.
func (s RotationState) Terminal() bool {
	switch s {
	case RotationCompleted, RotationRolledBack:
		return true
	default:
		return false
	}
}

// SecretRecord is the sanitized view of a managed secret: metadata and key
// names, never data.
type SecretRecord struct {
	Name               string        `json:"name"`
	Namespace          string        `json:"namespace"`
	Kind               string        `json:"kind,omitempty"`
	SecurityLevel      SecurityLevel `json:"securityLevel,omitempty"`
	RotationPolicyDays int           `json:"rotationPolicyDays"`
	RotationCount      int           `json:"rotationCount"`
	LastRotatedAt      time.Time     `json:"lastRotatedAt,omitempty"`
	AgeDays            float64       `json:"ageDays"`
	Keys               []string      `json:"keys,omitempty"`
}

// Transition records when a rotation job entered a state.
type Transition struct {
	State RotationState `json:"state"`
	At    time.Time     `json:"at"`
	Note  string        `json:"note,omitempty"`
}

// RotationEvent is the streaming form of a transition, published while a job
// is still running.
type RotationEvent struct {
	Time      time.Time     `json:"time"`
	Namespace string        `json:"namespace"`
	Secret    string        `json:"secret"`
	State     RotationState `json:"state"`
	Note      string        `json:"note,omitempty"`
}

// RotationResult summarizes one finished rotation job.
type RotationResult struct {
	Secret         string        `json:"secret"`
	Namespace      string        `json:"namespace"`
	State          RotationState `json:"state"`
	Forced         bool          `json:"forced,omitempty"`
	Workloads      []string      `json:"workloads,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
	UpdateAttempts int           `json:"updateAttempts"`
	Transitions    []Transition  `json:"transitions,omitempty"`
	RolledBack     bool          `json:"rolledBack,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
}

// Succeeded reports whether the job reached COMPLETED.
func (r RotationResult) Succeeded() bool { return r.State == RotationCompleted }

// SecretStatus grades one secret's rotation posture.
type SecretStatus string

const (
	SecretSecure  SecretStatus = "SECURE"
	SecretWarning SecretStatus = "WARNING"
	SecretOverdue SecretStatus = "OVERDUE"
)

// SecretFinding is a secret record graded against its rotation policy.
type SecretFinding struct {
	SecretRecord
	Status    SecretStatus `json:"status"`
	DueInDays float64      `json:"dueInDays"`
}

// WorkloadPosture itemizes the hardening checks behind a workload's score.
type WorkloadPosture struct {
	RunAsNonRoot           bool `json:"runAsNonRoot"`
	NoPrivilegeEscalation  bool `json:"noPrivilegeEscalation"`
	ReadOnlyRootFilesystem bool `json:"readOnlyRootFilesystem"`
	DropsAllCapabilities   bool `json:"dropsAllCapabilities"`
	LimitsAndProbes        bool `json:"limitsAndProbes"`
}

// Score sums the posture checks into the 0-5 hardening score.
func (p WorkloadPosture) Score() int {
	score := 0
	for _, ok := range []bool{p.RunAsNonRoot, p.NoPrivilegeEscalation, p.ReadOnlyRootFilesystem, p.DropsAllCapabilities, p.LimitsAndProbes} {
		if ok {
			score++
		}
	}
	return score
}

// WorkloadFinding grades one deployment's security posture.
type WorkloadFinding struct {
	Name            string          `json:"name"`
	Namespace       string          `json:"namespace"`
	DesiredReplicas int32           `json:"desiredReplicas"`
	ReadyReplicas   int32           `json:"readyReplicas"`
	SecretRefs      []string        `json:"secretRefs,omitempty"`
	Posture         WorkloadPosture `json:"posture"`
	HardeningScore  int             `json:"hardeningScore"`
	Notes           []string        `json:"notes,omitempty"`
	CPUUsage        string          `json:"cpuUsage,omitempty"`
	MemoryUsage     string          `json:"memoryUsage,omitempty"`
}

// ServiceFinding grades one service's exposure.
type ServiceFinding struct {
	Name      string  `json:"name"`
	Namespace string  `json:"namespace"`
	Exposure  string  `json:"exposure"`
	DataTier  bool    `json:"dataTier"`
	Critical  bool    `json:"critical"`
	Reason    string  `json:"reason,omitempty"`
	Ports     []int32 `json:"ports,omitempty"`
}

// OverallStatus aggregates a whole report into one grade.
type OverallStatus string

const (
	OverallExcellent OverallStatus = "EXCELLENT"
	OverallGood      OverallStatus = "GOOD"
	OverallWarning   OverallStatus = "WARNING"
	OverallCritical  OverallStatus = "CRITICAL"
)

// ReportSummary carries the counts rendered in trend views.
type ReportSummary struct {
	SecretsTotal          int     `json:"secretsTotal"`
	SecretsSecure         int     `json:"secretsSecure"`
	SecretsWarning        int     `json:"secretsWarning"`
	SecretsOverdue        int     `json:"secretsOverdue"`
	WorkloadsTotal        int     `json:"workloadsTotal"`
	AverageHardeningScore float64 `json:"averageHardeningScore"`
	ServicesTotal         int     `json:"servicesTotal"`
	CriticalFindings      int     `json:"criticalFindings"`
}

// Report is the output of one compliance scan.
type Report struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Namespace   string            `json:"namespace"`
	Overall     OverallStatus     `json:"overall"`
	Secrets     []SecretFinding   `json:"secrets,omitempty"`
	Workloads   []WorkloadFinding `json:"workloads,omitempty"`
	Services    []ServiceFinding  `json:"services,omitempty"`
	Summary     ReportSummary     `json:"summary"`
}

// ObjectAction says what a deploy did to one cluster object.
type ObjectAction string

const (
	ActionCreated   ObjectAction = "created"
	ActionUpdated   ObjectAction = "updated"
	ActionUnchanged ObjectAction = "unchanged"
)

// DeployedObject is one cluster object touched by a stack deploy.
type DeployedObject struct {
	Kind      string       `json:"kind"`
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
	Action    ObjectAction `json:"action"`
}

// DeployResult summarizes a DeploySecureStack run.
type DeployResult struct {
	Stack      string           `json:"stack"`
	Namespace  string           `json:"namespace"`
	Objects    []DeployedObject `json:"objects"`
	Secrets    []string         `json:"secrets,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}
