package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/kubekattle/kred/internal/credgen"
	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/retry"
	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

// RestartedAtAnnotation is patched onto pod templates to trigger a rolling
// restart, the same mechanism kubectl rollout restart uses.
const RestartedAtAnnotation = "kred.kubekattle.io/restartedAt"

const (
	defaultVerifyTimeout  = 5 * time.Minute
	defaultPollInterval   = 3 * time.Second
	defaultCoalesceWindow = 10 * time.Second
	rollbackTimeout       = 2 * time.Minute
)

// Config tunes one coordinator. Zero values pick the defaults above.
type Config struct {
	VerifyTimeout  time.Duration
	PollInterval   time.Duration
	CoalesceWindow time.Duration
	Observer       Observer
	Metrics        *Metrics
}

// Coordinator runs one rotation at a time per call. Concurrency control
// lives in the Scheduler; the coordinator is safe for concurrent use across
// distinct secrets.
type Coordinator struct {
	client    kubernetes.Interface
	store     *secretstore.Store
	generator *credgen.Generator
	logger    logr.Logger
	metrics   *Metrics
	observer  Observer
	verify    *verifier
	restarts  *restartLedger
	retry     retry.Config
	clock     func() time.Time
}

func NewCoordinator(client kubernetes.Interface, store *secretstore.Store, logger logr.Logger, cfg Config) *Coordinator {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = defaultCoalesceWindow
	}
	return &Coordinator{
		client:    client,
		store:     store,
		generator: credgen.New(),
		logger:    logger,
		metrics:   cfg.Metrics,
		observer:  cfg.Observer,
		verify:    &verifier{client: client, logger: logger, timeout: cfg.VerifyTimeout, interval: cfg.PollInterval},
		restarts:  &restartLedger{window: cfg.CoalesceWindow, entries: map[string]time.Time{}},
		retry:     retry.Config{},
		clock:     time.Now,
	}
}

// Rotate walks one secret through the full state machine. The result is
// always returned, terminal state included; callers decide whether a failed
// state is an error for them.
func (c *Coordinator) Rotate(ctx context.Context, namespace, name string, forced bool) api.RotationResult {
	job := newJob(namespace, name, forced, c.observer, c.clock)
	logger := c.logger.WithValues("namespace", namespace, "secret", name)
	c.metrics.jobStarted()
	defer func() {
		c.metrics.jobFinished(namespace, strings.ToLower(string(job.state)), c.clock().Sub(job.startedAt))
	}()

	job.transition(api.RotationGenerating, "")
	snapshot, err := c.store.Get(ctx, namespace, name)
	if err != nil {
		job.fail(fmt.Sprintf("read secret: %v", err))
		return job.result()
	}
	if !snapshot.Managed {
		job.fail("secret is not managed by kred; refusing to rotate")
		return job.result()
	}
	fresh, err := c.generator.Generate(credgen.Spec{Keys: sortedKeys(snapshot.Data)}, snapshot.Data)
	if err != nil {
		// Generation failures are fatal for the job; nothing was written yet.
		job.fail(fmt.Sprintf("generate credentials: %v", err))
		return job.result()
	}

	job.transition(api.RotationUpdatingSecret, "")
	version := snapshot.Version
	err = retry.Do(ctx, c.retry, secretstore.IsRetryable, func(attempt int) error {
		job.updateAttempts = attempt
		if attempt > 1 {
			// Another writer landed first. Re-read for the new version but
			// keep the values we already generated.
			c.metrics.conflictRetried()
			current, getErr := c.store.Get(ctx, namespace, name)
			if getErr != nil {
				return getErr
			}
			version = current.Version
		}
		_, updErr := c.store.Update(ctx, namespace, name, fresh, snapshot.Meta, version)
		return updErr
	})
	if err != nil {
		// A conflicted or rejected write never landed, so there is nothing
		// to roll back yet.
		job.fail(fmt.Sprintf("update secret: %v", err))
		return job.result()
	}

	job.transition(api.RotationRestartingWorkloads, "")
	deployments, err := kube.DeploymentsUsingSecret(ctx, c.client, namespace, name)
	if err != nil {
		c.failAndRollback(ctx, job, logger, fmt.Sprintf("discover dependent workloads: %v", err), snapshot, nil)
		return job.result()
	}
	restartStamp := c.clock().UTC().Format(time.RFC3339)
	restarted := make([]restartedWorkload, 0, len(deployments))
	names := make([]string, 0, len(deployments))
	for i := range deployments {
		dep := &deployments[i]
		names = append(names, dep.Name)
		entry := restartedWorkload{name: dep.Name, previous: dep.Spec.Template.Annotations[RestartedAtAnnotation]}
		if !c.restarts.mark(namespace+"/"+dep.Name, c.clock()) {
			// A concurrent rotation bounced this workload moments ago; ride
			// that rollout instead of stacking another restart on top.
			logger.V(1).Info("coalescing restart", "workload", dep.Name)
			restarted = append(restarted, entry)
			continue
		}
		if err := c.patchRestartAnnotation(ctx, namespace, dep.Name, &restartStamp); err != nil {
			restarted = append(restarted, entry)
			c.failAndRollback(ctx, job, logger, fmt.Sprintf("restart workload %s: %v", dep.Name, err), snapshot, restarted)
			return job.result()
		}
		entry.patched = true
		restarted = append(restarted, entry)
	}
	job.workloads = names

	note := ""
	if len(names) == 0 {
		note = "no workloads reference this secret"
	}
	job.transition(api.RotationVerifying, note)
	if verified, err := c.verify.waitForWorkloads(ctx, namespace, names); err != nil {
		c.failAndRollback(ctx, job, logger, verifyFailure(name, verified, err), snapshot, restarted)
		return job.result()
	}

	rotatedAt := c.clock()
	err = retry.Do(ctx, c.retry, secretstore.IsRetryable, func(int) error {
		_, touchErr := c.store.Touch(ctx, namespace, name, rotatedAt)
		return touchErr
	})
	if err != nil {
		c.failAndRollback(ctx, job, logger, fmt.Sprintf("record rotation: %v", err), snapshot, restarted)
		return job.result()
	}

	job.transition(api.RotationCompleted, "")
	logger.Info("rotation completed", "workloads", len(names), "attempts", job.updateAttempts)
	return job.result()
}

// failAndRollback marks the job failed, then restores the secret snapshot
// and reverts every workload this job restarted. All-or-nothing: one failed
// workload undoes the whole rotation.
func (c *Coordinator) failAndRollback(ctx context.Context, job *job, logger logr.Logger, reason string, snapshot *secretstore.Versioned, restarted []restartedWorkload) {
	job.fail(reason)
	logger.Info("rotation failed, rolling back", "reason", reason)

	// The job context may already be canceled (preemption, shutdown); the
	// rollback still has to run.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := c.rollback(rbCtx, job.namespace, job.secret, snapshot, restarted); err != nil {
		logger.Error(err, "rollback incomplete; the secret may need manual attention")
		return
	}
	job.rolledBack = true
	job.transition(api.RotationRolledBack, "")
}

func (c *Coordinator) rollback(ctx context.Context, namespace, name string, snapshot *secretstore.Versioned, restarted []restartedWorkload) error {
	var firstErr error
	// Secret data first, so reverted pods come back reading the old values.
	err := retry.Do(ctx, c.retry, secretstore.IsRetryable, func(int) error {
		current, getErr := c.store.Get(ctx, namespace, name)
		if getErr != nil {
			return getErr
		}
		_, updErr := c.store.Update(ctx, namespace, name, snapshot.Data, snapshot.Meta, current.Version)
		return updErr
	})
	if err != nil {
		firstErr = fmt.Errorf("restore secret data: %w", err)
	}
	for _, w := range restarted {
		if !w.patched {
			continue
		}
		previous := &w.previous
		if w.previous == "" {
			previous = nil
		}
		if err := c.patchRestartAnnotation(ctx, namespace, w.name, previous); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("revert workload %s: %w", w.name, err)
		}
	}
	return firstErr
}

// patchRestartAnnotation sets (or, with a nil value, removes) the restart
// marker on a deployment's pod template.
func (c *Coordinator) patchRestartAnnotation(ctx context.Context, namespace, name string, value *string) error {
	annotations := map[string]interface{}{RestartedAtAnnotation: nil}
	if value != nil {
		annotations[RestartedAtAnnotation] = *value
	}
	patch, err := json.Marshal(map[string]interface{}{
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{"annotations": annotations},
			},
		},
	})
	if err != nil {
		return err
	}
	_, err = c.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	return err
}

// restartedWorkload remembers enough about one patched deployment to undo
// the restart: the marker value it had before this job touched it.
type restartedWorkload struct {
	name     string
	previous string
	patched  bool
}

// restartLedger coalesces restarts across concurrent rotations: workloads
// referencing several rotating secrets get one restart per window, not one
// per secret.
type restartLedger struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

// mark reports whether the caller should patch the workload, recording the
// patch time when it should. Within the window of a previous mark it
// returns false.
func (l *restartLedger) mark(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.entries[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.entries[key] = now
	return true
}

func verifyFailure(secret string, verified []string, err error) string {
	var timeout *RolloutTimeoutError
	var breach *AvailabilityBreachError
	var failed string
	switch {
	case errors.As(err, &timeout):
		failed = timeout.Workload
	case errors.As(err, &breach):
		failed = breach.Workload
	default:
		return fmt.Sprintf("verify workloads: %v", err)
	}
	partial := &PartialRotationError{Secret: secret, Failed: []string{failed}, Verified: verified, Cause: err}
	return partial.Error()
}

func sortedKeys(data map[string]string) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
