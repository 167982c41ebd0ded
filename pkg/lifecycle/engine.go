// Package lifecycle bundles kred's operations behind one Engine:
// provisioning hardened stacks, rotating managed secrets with zero-downtime
// verification, and grading namespace compliance. The CLI in cmd/kred is a
// thin shell over this package.
package lifecycle

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubekattle/kred/internal/compliance"
	"github.com/kubekattle/kred/internal/rotation"
	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/internal/stack"
	"github.com/kubekattle/kred/pkg/api"
)

// Options tunes an Engine. Zero values pick each component's defaults.
type Options struct {
	// Logger receives structured progress; defaults to logr.Discard.
	Logger logr.Logger

	// Namespace scopes the rotation loop and compliance monitor. One-shot
	// calls (RotateSecrets, ScanCompliance) take theirs per call.
	Namespace string

	// SeedConfigPath points at the seed provider config used to import
	// existing credentials during deploys. Empty disables seed references.
	SeedConfigPath string

	// PolicyPath points at a compliance policy file; empty uses defaults.
	PolicyPath string

	// HistoryPath is the SQLite file scans are recorded to; empty uses the
	// per-user default.
	HistoryPath string

	// DeployWaitTimeout bounds how long a deploy waits for rollouts to
	// become ready. Zero skips the wait.
	DeployWaitTimeout time.Duration

	// VerifyTimeout bounds the post-restart verification of one rotation.
	VerifyTimeout time.Duration

	// PollInterval is the sampling interval for rollout and verification
	// polling.
	PollInterval time.Duration

	// CoalesceWindow deduplicates restarts of workloads that reference
	// several secrets rotating at once.
	CoalesceWindow time.Duration

	// MaxConcurrent bounds how many secrets rotate in parallel.
	MaxConcurrent int64

	// SweepInterval is how often the rotation loop re-checks policy age.
	SweepInterval time.Duration

	// OnRotationEvent observes every rotation transition as it happens.
	// Used to feed the websocket stream and watch output; may be nil.
	OnRotationEvent func(api.RotationEvent)
}

// Engine is the programmatic entry point to kred.
type Engine struct {
	client      kubernetes.Interface
	store       *secretstore.Store
	provisioner *stack.Provisioner
	scheduler   *rotation.Scheduler
	collector   *compliance.Collector
	history     *compliance.History
	policy      compliance.Policy
	metrics     *rotation.Metrics
	logger      logr.Logger
}

// New wires an Engine against the given clientsets. The metrics clientset is
// optional; pass nil on clusters without metrics-server.
func New(client kubernetes.Interface, metricsClient metricsclient.Interface, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	policy, err := compliance.LoadPolicy(opts.PolicyPath)
	if err != nil {
		return nil, err
	}

	var seeder *secretstore.Seeder
	if opts.SeedConfigPath != "" {
		cfg, err := secretstore.LoadSeedConfig(opts.SeedConfigPath)
		if err != nil {
			return nil, err
		}
		if !cfg.Empty() {
			seeder, err = secretstore.NewSeeder(cfg, filepath.Dir(opts.SeedConfigPath))
			if err != nil {
				return nil, err
			}
		}
	}

	store := secretstore.New(client, logger)
	metrics := rotation.NewMetrics()
	coordinator := rotation.NewCoordinator(client, store, logger, rotation.Config{
		VerifyTimeout:  opts.VerifyTimeout,
		PollInterval:   opts.PollInterval,
		CoalesceWindow: opts.CoalesceWindow,
		Observer:       opts.OnRotationEvent,
		Metrics:        metrics,
	})
	scheduler := rotation.NewScheduler(store, coordinator, logger, rotation.SchedulerConfig{
		Namespace:     opts.Namespace,
		Interval:      opts.SweepInterval,
		MaxConcurrent: opts.MaxConcurrent,
	})
	provisioner := stack.NewProvisioner(client, store, stack.Config{
		Seeder:       seeder,
		WaitTimeout:  opts.DeployWaitTimeout,
		PollInterval: opts.PollInterval,
	})

	return &Engine{
		client:      client,
		store:       store,
		provisioner: provisioner,
		scheduler:   scheduler,
		collector:   compliance.NewCollector(client, metricsClient, store, logger),
		history:     compliance.NewHistory(opts.HistoryPath),
		policy:      policy,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// DeploySecureStack provisions every component of the manifest with the full
// hardening posture, generating (or seeding) credentials that do not exist
// yet. Existing secrets are never replaced.
func (e *Engine) DeploySecureStack(ctx context.Context, manifest *api.Manifest) (*api.DeployResult, error) {
	return e.provisioner.Deploy(ctx, manifest)
}

// RotateSecrets rotates every managed secret in the namespace that is due
// under its rotation policy; forceAll rotates the rest as well. Each job is
// all-or-nothing: a failed verification rolls the secret and its workloads
// back.
func (e *Engine) RotateSecrets(ctx context.Context, namespace string, forceAll bool) ([]api.RotationResult, error) {
	return e.scheduler.RotateNamespace(ctx, namespace, forceAll)
}

// ForceRotate rotates one secret immediately, preempting an in-flight job
// for the same secret if there is one.
func (e *Engine) ForceRotate(ctx context.Context, namespace, name string) (api.RotationResult, error) {
	return e.scheduler.ForceRotate(ctx, namespace, name)
}

// ScanCompliance grades the namespace read-only and records the report in
// the local history so trend and diff views can use it later.
func (e *Engine) ScanCompliance(ctx context.Context, namespace string) (*api.Report, error) {
	report, err := e.collector.Collect(ctx, compliance.Options{Namespace: namespace, Policy: e.policy})
	if err != nil {
		return nil, err
	}
	if err := e.history.Append(report); err != nil {
		// The scan itself is still useful when the history file is not
		// writable.
		e.logger.Error(err, "record compliance history")
	}
	return report, nil
}

// RunRotationLoop sweeps for due secrets on the configured interval until
// ctx ends. In-flight rotations finish (or roll back) before it returns.
func (e *Engine) RunRotationLoop(ctx context.Context) error {
	return e.scheduler.Run(ctx)
}

// RunComplianceMonitor scans the namespace on the interval until ctx ends,
// recording every report to history and fanning it out to the sinks.
func (e *Engine) RunComplianceMonitor(ctx context.Context, namespace string, interval time.Duration, sinks ...func(*api.Report)) error {
	all := make([]compliance.Sink, 0, len(sinks)+1)
	all = append(all, func(report *api.Report) {
		if err := e.history.Append(report); err != nil {
			e.logger.Error(err, "record compliance history")
		}
	})
	for _, sink := range sinks {
		all = append(all, compliance.Sink(sink))
	}
	monitor := compliance.NewMonitor(e.collector, e.logger, interval, compliance.Options{Namespace: namespace, Policy: e.policy}, all...)
	return monitor.Run(ctx)
}

// MetricsHandler serves the rotation counters in Prometheus text format for
// the --metrics-listen endpoint.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}
